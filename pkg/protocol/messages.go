package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// --- Inbound messages ---

// AuthMessage authenticates a connection: a signed message that must embed
// the server-issued challenge, plus the hex-encoded signature blob.
type AuthMessage struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

func (m *AuthMessage) Validate() error {
	if m.Message == "" {
		return errors.New("missing message")
	}
	if m.Signature == "" {
		return errors.New("missing signature")
	}
	return nil
}

// SignatureBytes decodes the hex signature blob. A 0x prefix is accepted.
func (m *AuthMessage) SignatureBytes() ([]byte, error) {
	s := strings.TrimPrefix(m.Signature, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signature is not valid hex: %w", err)
	}
	return raw, nil
}

// JoinRoomMessage requests admission to a creator's room.
type JoinRoomMessage struct {
	CreatorAddress string `json:"creator_address"`
}

func (m *JoinRoomMessage) Validate() error {
	if m.CreatorAddress == "" {
		return errors.New("missing creator_address")
	}
	return nil
}

// LeaveRoomMessage leaves a joined room.
type LeaveRoomMessage struct {
	RoomID string `json:"room_id"`
}

func (m *LeaveRoomMessage) Validate() error {
	if m.RoomID == "" {
		return errors.New("missing room_id")
	}
	return nil
}

// SendMessageMessage relays content to the members of a joined room.
type SendMessageMessage struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

func (m *SendMessageMessage) Validate() error {
	if m.RoomID == "" {
		return errors.New("missing room_id")
	}
	if m.Content == "" {
		return errors.New("missing content")
	}
	return nil
}

// PingMessage keeps the connection alive.
type PingMessage struct{}

func (m *PingMessage) Validate() error { return nil }

// --- Outbound messages ---

// ChallengeMessage is sent once, immediately after the upgrade. The client
// must embed Challenge in the message it signs for auth.
type ChallengeMessage struct {
	Type             string `json:"type"`
	Challenge        string `json:"challenge"`
	MaxMessageLength int    `json:"max_message_length"`
	MaxJoinedRooms   int    `json:"max_joined_rooms"`
}

func NewChallengeMessage(challenge string, maxMessageLength, maxJoinedRooms int) *ChallengeMessage {
	return &ChallengeMessage{
		Type:             TypeChallenge,
		Challenge:        challenge,
		MaxMessageLength: maxMessageLength,
		MaxJoinedRooms:   maxJoinedRooms,
	}
}

// AuthResultMessage reports the outcome of an auth frame. AccessibleRooms is
// a purchase-history hint; joining still runs the balance check.
type AuthResultMessage struct {
	Type            string   `json:"type"`
	Success         bool     `json:"success"`
	Identity        string   `json:"identity,omitempty"`
	AccessibleRooms []string `json:"accessible_rooms,omitempty"`
	Message         string   `json:"message,omitempty"`
}

func NewAuthResult(identity string, accessibleRooms []string) *AuthResultMessage {
	return &AuthResultMessage{
		Type:            TypeAuthResult,
		Success:         true,
		Identity:        identity,
		AccessibleRooms: accessibleRooms,
	}
}

func NewAuthFailure(message string) *AuthResultMessage {
	return &AuthResultMessage{
		Type:    TypeAuthResult,
		Success: false,
		Message: message,
	}
}

// RoomJoinedMessage confirms admission to a room.
type RoomJoinedMessage struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	MemberCount int    `json:"member_count"`
}

func NewRoomJoined(roomID string, memberCount int) *RoomJoinedMessage {
	return &RoomJoinedMessage{Type: TypeRoomJoined, RoomID: roomID, MemberCount: memberCount}
}

// RoomLeftMessage confirms leaving a room.
type RoomLeftMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

func NewRoomLeft(roomID string) *RoomLeftMessage {
	return &RoomLeftMessage{Type: TypeRoomLeft, RoomID: roomID}
}

// NewMessageMessage delivers one relayed message to a room member.
type NewMessageMessage struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func NewNewMessage(roomID, sender, content string, timestamp int64) *NewMessageMessage {
	return &NewMessageMessage{
		Type:      TypeNewMessage,
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: timestamp,
	}
}

// MemberEventMessage announces a member joining or leaving a room.
type MemberEventMessage struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	Identity string `json:"identity"`
}

func NewMemberJoined(roomID, identity string) *MemberEventMessage {
	return &MemberEventMessage{Type: TypeMemberJoined, RoomID: roomID, Identity: identity}
}

func NewMemberLeft(roomID, identity string) *MemberEventMessage {
	return &MemberEventMessage{Type: TypeMemberLeft, RoomID: roomID, Identity: identity}
}

// ErrorMessage reports a per-request failure. The connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewError(code int, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// PongMessage answers a ping.
type PongMessage struct {
	Type string `json:"type"`
}

func NewPong() *PongMessage {
	return &PongMessage{Type: TypePong}
}
