// Package wire defines the JSON frames exchanged with the chat server over
// the websocket. Every frame is an object {"type": ..., "data": {...}}.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates frames.
type Type string

// Client to server.
const (
	TypePing        Type = "PING"
	TypeJoinRoom    Type = "JOIN_ROOM"
	TypeLeaveRoom   Type = "LEAVE_ROOM"
	TypeMessage     Type = "MESSAGE"
	TypeRequestSync Type = "REQUEST_SYNC"
)

// Server to client.
const (
	TypeConnectionSuccess Type = "CONNECTION_SUCCESS"
	TypePong              Type = "PONG"
	TypeNewMessage        Type = "NEW_MESSAGE"
	TypeMessageSent       Type = "MESSAGE_SENT"
	TypePresenceUpdate    Type = "PRESENCE_UPDATE"
	TypeRoomJoined        Type = "ROOM_JOINED"
	TypeRoomLeft          Type = "ROOM_LEFT"
	TypeSyncResponse      Type = "SYNC_RESPONSE"
	TypeError             Type = "ERROR"
)

// Both directions.
const (
	TypeTyping      Type = "TYPING"
	TypeReadReceipt Type = "READ_RECEIPT"
)

// ErrMalformed is returned for frames that are not a JSON object with a type.
var ErrMalformed = errors.New("malformed frame")

// Frame is a decoded inbound frame whose data is decoded lazily with Bind.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw websocket message.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return f, nil
}

// Bind decodes the frame data into v. Missing data leaves v untouched.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("bind %s: %w", f.Type, err)
	}
	return nil
}

// Outbound is a frame the client sends.
type Outbound struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Marshal encodes the frame. A nil Data is sent as an empty object.
func (o Outbound) Marshal() ([]byte, error) {
	if o.Data == nil {
		o.Data = struct{}{}
	}
	return json.Marshal(o)
}

// ParseTime accepts RFC 3339 timestamps and the zone-less ISO form the
// server emits for UTC values. The zero time is returned with false when
// neither matches.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}
