// Package protocol defines the JSON frame protocol between gateway and
// clients. Each WebSocket text message carries exactly one frame: a JSON
// object with a "type" discriminator and type-specific fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types (client → gateway).
const (
	TypeAuth        = "auth"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Outbound frame types (gateway → client).
const (
	TypeChallenge    = "challenge"
	TypeAuthResult   = "auth_result"
	TypeRoomJoined   = "room_joined"
	TypeRoomLeft     = "room_left"
	TypeNewMessage   = "new_message"
	TypeMemberJoined = "member_joined"
	TypeMemberLeft   = "member_left"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried in error frames.
const (
	CodeMalformed         = 1000
	CodeUnsupportedType   = 1001
	CodeAuthFailed        = 2000
	CodeAccessDenied      = 2001
	CodeLedgerUnavailable = 2002
	CodeNotAuthenticated  = 3000
	CodeNotAMember        = 3001
	CodeMessageTooLong    = 4000
	CodeTooManyRooms      = 4001
	CodeInternal          = 9000
)

// ErrMalformed covers every way an inbound frame can fail to parse: invalid
// JSON, missing type, or missing required fields. The dispatch layer maps it
// to an error frame with CodeMalformed and keeps the connection open.
var ErrMalformed = errors.New("invalid message format")

// Envelope is a partially decoded inbound frame: the type discriminator plus
// the raw bytes for a second, type-specific decode.
type Envelope struct {
	Type string
	raw  []byte
}

// ParseEnvelope extracts the frame type without committing to a message
// shape.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &Envelope{Type: head.Type, raw: data}, nil
}

// Validator is implemented by inbound message types that carry required
// fields.
type Validator interface {
	Validate() error
}

// Decode unmarshals the envelope into msg and validates it.
func (e *Envelope) Decode(msg Validator) error {
	if err := json.Unmarshal(e.raw, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
