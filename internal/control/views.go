package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/netzeal/chatsync/internal/chat"
	"github.com/netzeal/chatsync/internal/store"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message is the control-socket view of a cached message.
type Message struct {
	ID             int64   `json:"id"`
	ServerID       *int64  `json:"server_id,omitempty"`
	TempID         string  `json:"temp_id,omitempty"`
	ConversationID int64   `json:"conversation_id"`
	SenderID       int64   `json:"sender_id"`
	Content        string  `json:"content"`
	Type           string  `json:"message_type"`
	MediaURL       string  `json:"media_url,omitempty"`
	ReplyToID      *int64  `json:"reply_to_id,omitempty"`
	CreatedAtMs    int64   `json:"created_at_ms"`
	State          string  `json:"delivery_state"`
	ReadBy         []int64 `json:"read_by,omitempty"`
}

func messageView(m *store.Message) Message {
	return Message{
		ID:             m.ID,
		ServerID:       m.ServerID,
		TempID:         m.TempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Type),
		MediaURL:       m.MediaURL,
		ReplyToID:      m.ReplyToID,
		CreatedAtMs:    m.CreatedAt.UnixMilli(),
		State:          string(m.State),
		ReadBy:         m.ReadBy,
	}
}

func messageViews(msgs []store.Message) []Message {
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = messageView(&msgs[i])
	}
	return out
}

// Conversation is the control-socket view of a cached summary.
type Conversation struct {
	ID              int64  `json:"id"`
	Type            string `json:"type"`
	Title           string `json:"title,omitempty"`
	LastMessage     string `json:"last_message,omitempty"`
	LastMessageAtMs int64  `json:"last_message_at_ms"`
	UnreadCount     int    `json:"unread_count"`
}

// Status mirrors chat.Status.
type Status struct {
	Profile   string  `json:"profile"`
	State     string  `json:"state"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"last_error,omitempty"`
	Rooms     []int64 `json:"rooms"`
	Pending   int     `json:"pending"`
	// LastSyncMs is zero until a sync response has been merged.
	LastSyncMs int64 `json:"last_sync_ms,omitempty"`
	UptimeMs   int64 `json:"uptime_ms"`
}

func statusView(profile string, s chat.Status, started time.Time) Status {
	st := Status{
		Profile:   profile,
		State:     string(s.State),
		Attempts:  s.Attempts,
		LastError: s.LastError,
		Rooms:     s.Rooms,
		Pending:   s.Pending,
		UptimeMs:  time.Since(started).Milliseconds(),
	}
	if !s.LastSync.IsZero() {
		st.LastSyncMs = s.LastSync.UnixMilli()
	}
	return st
}

// History is the result of LoadHistory.
type History struct {
	Added      []Message `json:"added"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// Draft is the result of GetDraft. An empty content means no draft.
type Draft struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
	UpdatedAtMs    int64  `json:"updated_at_ms,omitempty"`
}

// Event is one bus event forwarded by WatchEvents.
type Event struct {
	ID           string          `json:"event_id"`
	Profile      string          `json:"profile"`
	Kind         string          `json:"kind"`
	OccurredAtMs int64           `json:"occurred_at_ms"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// toStruct encodes v as a protobuf Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes a protobuf Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidArgument, err)
	}
	return nil
}

var errInvalidArgument = errors.New("invalid argument")
