package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{
			name:     "valid auth frame",
			data:     `{"type":"auth","message":"hello","signature":"deadbeef"}`,
			wantType: TypeAuth,
		},
		{
			name:     "valid ping frame",
			data:     `{"type":"ping"}`,
			wantType: TypePing,
		},
		{
			name:     "unknown type still parses",
			data:     `{"type":"frobnicate"}`,
			wantType: "frobnicate",
		},
		{
			name:    "invalid JSON",
			data:    `{"type":`,
			wantErr: true,
		},
		{
			name:    "missing type",
			data:    `{"message":"hello"}`,
			wantErr: true,
		},
		{
			name:    "empty type",
			data:    `{"type":""}`,
			wantErr: true,
		},
		{
			name:    "JSON array",
			data:    `["auth"]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, env.Type)
		})
	}
}

func TestEnvelopeDecode(t *testing.T) {
	t.Run("valid message", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"type":"join_room","creator_address":"0x1234"}`))
		require.NoError(t, err)

		var msg JoinRoomMessage
		require.NoError(t, env.Decode(&msg))
		assert.Equal(t, "0x1234", msg.CreatorAddress)
	})

	t.Run("missing required field", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"type":"join_room"}`))
		require.NoError(t, err)

		var msg JoinRoomMessage
		err = env.Decode(&msg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("wrong field type", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"type":"send_message","room_id":42,"content":"hi"}`))
		require.NoError(t, err)

		var msg SendMessageMessage
		err = env.Decode(&msg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestInboundValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     Validator
		wantErr bool
	}{
		{"auth complete", &AuthMessage{Message: "m", Signature: "ab"}, false},
		{"auth missing message", &AuthMessage{Signature: "ab"}, true},
		{"auth missing signature", &AuthMessage{Message: "m"}, true},
		{"join complete", &JoinRoomMessage{CreatorAddress: "0xabc"}, false},
		{"join missing address", &JoinRoomMessage{}, true},
		{"leave complete", &LeaveRoomMessage{RoomID: "0xabc"}, false},
		{"leave missing room", &LeaveRoomMessage{}, true},
		{"send complete", &SendMessageMessage{RoomID: "0xabc", Content: "hi"}, false},
		{"send missing room", &SendMessageMessage{Content: "hi"}, true},
		{"send missing content", &SendMessageMessage{RoomID: "0xabc"}, true},
		{"ping", &PingMessage{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAuthSignatureBytes(t *testing.T) {
	t.Run("plain hex", func(t *testing.T) {
		msg := AuthMessage{Signature: "deadbeef"}
		raw, err := msg.SignatureBytes()
		require.NoError(t, err)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, raw)
	})

	t.Run("0x prefix accepted", func(t *testing.T) {
		msg := AuthMessage{Signature: "0xdeadbeef"}
		raw, err := msg.SignatureBytes()
		require.NoError(t, err)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, raw)
	})

	t.Run("not hex", func(t *testing.T) {
		msg := AuthMessage{Signature: "zzzz"}
		_, err := msg.SignatureBytes()
		assert.Error(t, err)
	})
}

func TestOutboundFramesCarryType(t *testing.T) {
	frames := []struct {
		wantType string
		v        interface{}
	}{
		{TypeChallenge, NewChallengeMessage("abc", 4096, 32)},
		{TypeAuthResult, NewAuthResult("0x12", []string{"0x34"})},
		{TypeAuthResult, NewAuthFailure("nope")},
		{TypeRoomJoined, NewRoomJoined("0x34", 3)},
		{TypeRoomLeft, NewRoomLeft("0x34")},
		{TypeNewMessage, NewNewMessage("0x34", "0x12", "hi", 123)},
		{TypeMemberJoined, NewMemberJoined("0x34", "0x12")},
		{TypeMemberLeft, NewMemberLeft("0x34", "0x12")},
		{TypeError, NewError(CodeMalformed, "bad")},
		{TypePong, NewPong()},
	}

	for _, f := range frames {
		data, err := json.Marshal(f.v)
		require.NoError(t, err)

		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		assert.Equal(t, f.wantType, head.Type)
	}
}

func TestAuthFailureOmitsIdentity(t *testing.T) {
	data, err := json.Marshal(NewAuthFailure("bad signature"))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "identity")
	assert.NotContains(t, decoded, "accessible_rooms")
	assert.Equal(t, false, decoded["success"])
}
