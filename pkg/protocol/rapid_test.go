package protocol

import (
	"encoding/json"
	"testing"

	"pgregory.net/rapid"
)

// TestParseEnvelopeNeverPanics feeds arbitrary bytes through the envelope
// parser. Whatever clients send, the parser either yields a typed envelope or
// ErrMalformed.
func TestParseEnvelopeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "data")
		env, err := ParseEnvelope(data)
		if err == nil && env.Type == "" {
			t.Fatalf("nil error with empty type")
		}
	})
}

// TestEnvelopeTypeRoundTrip checks that any non-empty type string survives
// encode and parse.
func TestEnvelopeTypeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frameType := rapid.StringMatching(`[a-z_]{1,32}`).Draw(t, "type")
		data, err := json.Marshal(map[string]string{"type": frameType})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if env.Type != frameType {
			t.Fatalf("type mismatch: got %q, want %q", env.Type, frameType)
		}
	})
}

// TestSendMessageDecodeRoundTrip checks that any room/content pair survives a
// marshal and envelope decode.
func TestSendMessageDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roomID := rapid.StringMatching(`0x[0-9a-f]{40}`).Draw(t, "roomID")
		content := rapid.StringN(1, 512, -1).Draw(t, "content")

		data, err := json.Marshal(map[string]string{
			"type":    TypeSendMessage,
			"room_id": roomID,
			"content": content,
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}

		var msg SendMessageMessage
		if err := env.Decode(&msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.RoomID != roomID || msg.Content != content {
			t.Fatalf("round-trip mismatch")
		}
	})
}
