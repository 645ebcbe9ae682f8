package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundShapes(t *testing.T) {
	last := int64(41)
	reply := int64(3)
	tests := []struct {
		name string
		out  Outbound
		want string
	}{
		{"ping", Ping(), `{"type":"PING","data":{}}`},
		{"join", JoinRoom(7), `{"type":"JOIN_ROOM","data":{"conversation_id":7}}`},
		{"leave", LeaveRoom(12), `{"type":"LEAVE_ROOM","data":{"conversation_id":12}}`},
		{"typing", Typing(7, true), `{"type":"TYPING","data":{"conversation_id":7,"is_typing":true}}`},
		{"read receipt", ReadReceipt(42, 7), `{"type":"READ_RECEIPT","data":{"message_id":42,"conversation_id":7}}`},
		{"sync from id", RequestSync(7, &last), `{"type":"REQUEST_SYNC","data":{"conversation_id":7,"last_message_id":41}}`},
		{"sync from start", RequestSync(7, nil), `{"type":"REQUEST_SYNC","data":{"conversation_id":7,"last_message_id":null}}`},
		{
			"message",
			Send(SendRequest{ConversationID: 7, Content: "hi", MessageType: "TEXT", ReplyToID: &reply, TempID: "t-1"}),
			`{"type":"MESSAGE","data":{"conversation_id":7,"content":"hi","message_type":"TEXT","reply_to_id":3,"temp_id":"t-1"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.out.Marshal()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestDecodeAndBind(t *testing.T) {
	f, err := Decode([]byte(`{"type":"MESSAGE_SENT","data":{"temp_id":"t-1","message_id":42,"status":"delivered"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMessageSent, f.Type)

	var sent MessageSent
	require.NoError(t, f.Bind(&sent))
	assert.Equal(t, MessageSent{TempID: "t-1", MessageID: 42, Status: "delivered"}, sent)
}

func TestDecodeWithoutData(t *testing.T) {
	f, err := Decode([]byte(`{"type":"PONG"}`))
	require.NoError(t, err)
	var v struct{}
	assert.NoError(t, f.Bind(&v))
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"data":{}}`, `[]`} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestBindTypeMismatch(t *testing.T) {
	f, err := Decode([]byte(`{"type":"MESSAGE_SENT","data":{"message_id":"forty-two"}}`))
	require.NoError(t, err)
	var sent MessageSent
	assert.Error(t, f.Bind(&sent))
}

func TestUnknownTypeStillDecodes(t *testing.T) {
	f, err := Decode([]byte(`{"type":"REACTION_ADDED","data":{"emoji":"+1"}}`))
	require.NoError(t, err)
	assert.Equal(t, Type("REACTION_ADDED"), f.Type)
}

func TestMessagePayloadKind(t *testing.T) {
	var m MessagePayload
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"type":"IMAGE"}`), &m))
	assert.Equal(t, "IMAGE", m.Kind())

	m = MessagePayload{MessageType: "VIDEO", Type: "IMAGE"}
	assert.Equal(t, "VIDEO", m.Kind())
	assert.Equal(t, "TEXT", MessagePayload{}.Kind())
}

func TestParseTime(t *testing.T) {
	got, ok := ParseTime("2024-01-01T12:00:00.123456")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 123456000, time.UTC), got)

	got, ok = ParseTime("2024-01-01T12:00:00+02:00")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), got.UTC())

	_, ok = ParseTime("yesterday")
	assert.False(t, ok)
	_, ok = ParseTime("")
	assert.False(t, ok)
}
