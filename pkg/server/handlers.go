package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keygate-io/keygate/pkg/gate"
	"github.com/keygate-io/keygate/pkg/ledger"
	"github.com/keygate-io/keygate/pkg/protocol"
)

// ledgerCallTimeout bounds the handler-side wait for ledger-backed decisions.
// The ledger client enforces its own per-request timeout underneath.
const ledgerCallTimeout = 10 * time.Second

// dispatch decodes one inbound frame and routes it. Malformed or unsupported
// frames get an error frame; the connection stays open and session state is
// untouched.
func (g *Gateway) dispatch(sess *Session, data []byte) error {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		g.sendError(sess, protocol.CodeMalformed, "Invalid message format")
		return nil
	}

	g.metrics.RecordFrameReceived(env.Type)
	debugLog.Printf("Session %d: received %s", sess.ID, env.Type)

	switch env.Type {
	case protocol.TypeAuth:
		return g.handleAuth(sess, env)
	case protocol.TypeJoinRoom:
		return g.handleJoinRoom(sess, env)
	case protocol.TypeLeaveRoom:
		return g.handleLeaveRoom(sess, env)
	case protocol.TypeSendMessage:
		return g.handleSendMessage(sess, env)
	case protocol.TypePing:
		return g.sendFrame(sess, protocol.TypePong, protocol.NewPong())
	default:
		g.sendError(sess, protocol.CodeUnsupportedType, fmt.Sprintf("Unsupported message type: %s", env.Type))
		return nil
	}
}

// handleAuth verifies the signed challenge and binds the signer's identity to
// the session. Failures are reported in-band as an unsuccessful auth_result;
// the client may retry on the same connection.
func (g *Gateway) handleAuth(sess *Session, env *protocol.Envelope) error {
	var msg protocol.AuthMessage
	if err := env.Decode(&msg); err != nil {
		g.sendError(sess, protocol.CodeMalformed, "Invalid auth message")
		return nil
	}

	if _, ok := sess.Identity(); ok {
		g.sendError(sess, protocol.CodeAuthFailed, "Session is already authenticated")
		return nil
	}

	signature, err := msg.SignatureBytes()
	if err != nil {
		g.metrics.RecordAuthResult("malformed")
		return g.sendFrame(sess, protocol.TypeAuthResult, protocol.NewAuthFailure("Signature is not valid hex"))
	}

	identity, err := g.gate.Authenticate([]byte(msg.Message), signature, sess.Challenge)
	if err != nil {
		debugLog.Printf("Session %d: authentication failed: %v", sess.ID, err)
		g.metrics.RecordAuthResult("failure")
		return g.sendFrame(sess, protocol.TypeAuthResult, protocol.NewAuthFailure("Signature verification failed"))
	}

	if err := g.sessions.SetIdentity(sess.ID, identity); err != nil {
		if errors.Is(err, ErrAlreadyAuthenticated) {
			g.sendError(sess, protocol.CodeAuthFailed, "Session is already authenticated")
			return nil
		}
		return err
	}

	g.metrics.RecordAuthResult("success")
	debugLog.Printf("Session %d: authenticated as %s", sess.ID, identity.Hex())

	// Purchase-history hint only. Join still re-checks the live balance.
	ctx, cancel := context.WithTimeout(context.Background(), ledgerCallTimeout)
	accessible := g.gate.AccessibleRooms(ctx, identity)
	cancel()

	hints := make([]string, 0, len(accessible))
	for _, room := range accessible {
		hints = append(hints, room.Hex())
	}
	return g.sendFrame(sess, protocol.TypeAuthResult, protocol.NewAuthResult(identity.Hex(), hints))
}

// handleJoinRoom runs the ledger-gated admission check and, on success, adds
// the session to the room and announces it to the existing members.
func (g *Gateway) handleJoinRoom(sess *Session, env *protocol.Envelope) error {
	var msg protocol.JoinRoomMessage
	if err := env.Decode(&msg); err != nil {
		g.sendError(sess, protocol.CodeMalformed, "Invalid join_room message")
		return nil
	}

	identity, ok := sess.Identity()
	if !ok {
		g.sendError(sess, protocol.CodeNotAuthenticated, "Authenticate before joining rooms")
		return nil
	}

	roomID, err := ledger.ParseAddress(msg.CreatorAddress)
	if err != nil {
		g.sendError(sess, protocol.CodeMalformed, "Invalid creator address")
		return nil
	}

	if sess.InRoom(roomID) {
		// Idempotent: confirm without re-announcing.
		return g.sendFrame(sess, protocol.TypeRoomJoined, protocol.NewRoomJoined(roomID.Hex(), g.rooms.MemberCount(roomID)))
	}

	if len(sess.JoinedRooms()) >= g.config.MaxJoinedRooms {
		g.sendError(sess, protocol.CodeTooManyRooms, fmt.Sprintf("Joined room limit is %d", g.config.MaxJoinedRooms))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ledgerCallTimeout)
	decision := g.gate.AuthorizeJoin(ctx, identity, roomID)
	cancel()

	if !decision.Allowed {
		debugLog.Printf("Session %d: join of %s denied: %s", sess.ID, roomID.Hex(), decision.Reason)
		switch decision.Reason {
		case gate.ReasonLedgerUnavailable:
			g.metrics.RecordJoinDecision("ledger_unavailable")
			g.sendError(sess, protocol.CodeLedgerUnavailable, "Ledger unavailable, access denied")
		case gate.ReasonBadRoom:
			g.metrics.RecordJoinDecision("bad_room")
			g.sendError(sess, protocol.CodeMalformed, "Invalid creator address")
		default:
			g.metrics.RecordJoinDecision("denied")
			g.sendError(sess, protocol.CodeAccessDenied, "Access denied: no key balance for this creator")
		}
		return nil
	}
	g.metrics.RecordJoinDecision("allowed")

	// Room first, session second: if the session vanished mid-join, roll the
	// room entry back so the two sides never disagree.
	g.rooms.Join(roomID, sess)
	if err := g.sessions.AddRoom(sess.ID, roomID); err != nil {
		g.rooms.Leave(roomID, sess.ID)
		return nil
	}

	if err := g.sendFrame(sess, protocol.TypeRoomJoined, protocol.NewRoomJoined(roomID.Hex(), g.rooms.MemberCount(roomID))); err != nil {
		return err
	}
	g.notifyRoom(roomID, protocol.TypeMemberJoined, protocol.NewMemberJoined(roomID.Hex(), identity.Hex()), sess.ID)
	return nil
}

// handleLeaveRoom removes the session from a room it had joined. Leaving is
// always allowed; only joining is gated.
func (g *Gateway) handleLeaveRoom(sess *Session, env *protocol.Envelope) error {
	var msg protocol.LeaveRoomMessage
	if err := env.Decode(&msg); err != nil {
		g.sendError(sess, protocol.CodeMalformed, "Invalid leave_room message")
		return nil
	}

	identity, ok := sess.Identity()
	if !ok {
		g.sendError(sess, protocol.CodeNotAuthenticated, "Authenticate first")
		return nil
	}

	roomID, err := ledger.ParseAddress(msg.RoomID)
	if err != nil {
		g.sendError(sess, protocol.CodeMalformed, "Invalid room identifier")
		return nil
	}

	if !sess.InRoom(roomID) {
		g.sendError(sess, protocol.CodeNotAMember, "Not a member of this room")
		return nil
	}

	g.sessions.RemoveRoom(sess.ID, roomID)
	g.rooms.Leave(roomID, sess.ID)

	if err := g.sendFrame(sess, protocol.TypeRoomLeft, protocol.NewRoomLeft(roomID.Hex())); err != nil {
		return err
	}
	g.notifyRoom(roomID, protocol.TypeMemberLeft, protocol.NewMemberLeft(roomID.Hex(), identity.Hex()), sess.ID)
	return nil
}

// handleSendMessage relays content to the other members of a joined room.
func (g *Gateway) handleSendMessage(sess *Session, env *protocol.Envelope) error {
	var msg protocol.SendMessageMessage
	if err := env.Decode(&msg); err != nil {
		g.sendError(sess, protocol.CodeMalformed, "Invalid send_message message")
		return nil
	}

	roomID, err := ledger.ParseAddress(msg.RoomID)
	if err != nil {
		g.sendError(sess, protocol.CodeMalformed, "Invalid room identifier")
		return nil
	}

	delivered, err := g.relay.Send(sess, roomID, msg.Content)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotAuthenticated):
			g.sendError(sess, protocol.CodeNotAuthenticated, "Authenticate before sending messages")
		case errors.Is(err, ErrNotAMember):
			g.sendError(sess, protocol.CodeNotAMember, "Not a member of this room")
		case errors.Is(err, ErrMessageTooLong):
			g.sendError(sess, protocol.CodeMessageTooLong, fmt.Sprintf("Message exceeds %d bytes", g.config.MaxMessageLength))
		default:
			return err
		}
		return nil
	}

	debugLog.Printf("Session %d: relayed %d bytes to %d members of %s", sess.ID, len(msg.Content), delivered, roomID.Hex())
	return nil
}

// notifyRoom sends a frame to every member of roomID except excludeID.
// Best-effort: per-member write failures are left to the read loop or relay
// to clean up.
func (g *Gateway) notifyRoom(roomID ledger.Address, frameType string, v interface{}, excludeID uint64) {
	for _, member := range g.rooms.MembersOf(roomID) {
		if member.ID == excludeID {
			continue
		}
		if err := member.Conn.WriteFrame(v); err != nil {
			debugLog.Printf("Session %d: notify write failed: %v", member.ID, err)
			continue
		}
		g.metrics.RecordFrameSent(frameType)
	}
}

// sendFrame writes one outbound frame to the session.
func (g *Gateway) sendFrame(sess *Session, frameType string, v interface{}) error {
	if err := sess.Conn.WriteFrame(v); err != nil {
		debugLog.Printf("Session %d: write failed: %v", sess.ID, err)
		return err
	}
	g.metrics.RecordFrameSent(frameType)
	return nil
}

// sendError reports a per-request failure without closing the connection.
func (g *Gateway) sendError(sess *Session, code int, message string) {
	g.sendFrame(sess, protocol.TypeError, protocol.NewError(code, message))
}
