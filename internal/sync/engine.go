package sync

import (
	"fmt"

	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/store"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

const previewLen = 100

// Engine handles idempotent ingestion of server messages into the store.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	selfID int64
	logger *zap.Logger
}

// NewEngine creates a new ingest engine. selfID is the local user, whose
// own messages are never marked as awaiting a read receipt.
func NewEngine(db *store.DB, b *bus.Bus, selfID int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		selfID: selfID,
		logger: logger.Named("ingest"),
	}
}

// ToMessage converts a wire message into its cached form. Messages from
// other users are eligible for a read receipt.
func ToMessage(p wire.MessagePayload, selfID int64) store.Message {
	id := p.ID
	m := store.Message{
		ServerID:       &id,
		TempID:         p.TempID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Type:           store.ParseMessageType(p.Kind()),
		MediaURL:       p.MediaURL,
		ReplyToID:      p.ReplyToID,
		State:          store.StateSent,
		ReceiptPending: p.SenderID != selfID,
	}
	if t, ok := wire.ParseTime(p.CreatedAt); ok {
		m.CreatedAt = t
	}
	return m
}

// IngestMessage writes one NEW_MESSAGE through to the store. It returns the
// message when it was new to the cache, nil for a duplicate.
func (e *Engine) IngestMessage(p wire.MessagePayload) (*store.Message, error) {
	added, err := e.db.MergeServerMessages([]store.Message{ToMessage(p, e.selfID)})
	if err != nil {
		return nil, fmt.Errorf("ingest message %d: %w", p.ID, err)
	}
	if len(added) == 0 {
		return nil, nil
	}
	m := added[0]
	if err := e.db.TouchConversation(m.ConversationID, truncate(m.Content, previewLen), m.CreatedAt, m.SenderID != e.selfID); err != nil {
		e.logger.Warn("failed to update conversation preview", zap.Error(err), zap.Int64("conversation_id", m.ConversationID))
	}
	e.bus.Emit(bus.KindMessageUpserted, &m)
	return &m, nil
}

// IngestBatch merges a batch of server messages for one conversation in a
// single transaction. Replaying a batch adds nothing. The new messages are
// returned in ascending created_at order.
func (e *Engine) IngestBatch(conversationID int64, payloads []wire.MessagePayload) ([]store.Message, error) {
	msgs := make([]store.Message, 0, len(payloads))
	for _, p := range payloads {
		if p.ConversationID == 0 {
			p.ConversationID = conversationID
		}
		msgs = append(msgs, ToMessage(p, e.selfID))
	}

	added, err := e.db.MergeServerMessages(msgs)
	if err != nil {
		return nil, fmt.Errorf("ingest batch for conversation %d: %w", conversationID, err)
	}
	if n := len(added); n > 0 {
		last := added[n-1]
		if err := e.db.TouchConversation(last.ConversationID, truncate(last.Content, previewLen), last.CreatedAt, false); err != nil {
			e.logger.Warn("failed to update conversation preview", zap.Error(err), zap.Int64("conversation_id", last.ConversationID))
		}
	}
	e.logger.Info("batch ingested",
		zap.Int64("conversation_id", conversationID),
		zap.Int("received", len(payloads)),
		zap.Int("added", len(added)))
	return added, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
