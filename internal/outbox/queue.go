package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/conn"
	"github.com/netzeal/chatsync/internal/store"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ErrPermanentSendFailure marks a message that exhausted its retries. It is
// FAILED and will not be retried until the user asks for it.
var ErrPermanentSendFailure = errors.New("permanent send failure")

// DefaultMaxRetries is the retry ceiling of a pending entry.
const DefaultMaxRetries = 5

// Sender is the part of the connection manager the queue needs.
type Sender interface {
	Send(out wire.Outbound) error
	Connected() bool
	Session() uint64
}

// Outgoing is a message composed by the user.
type Outgoing struct {
	ConversationID int64
	Content        string
	Type           store.MessageType
	MediaURL       string
	ReplyToID      *int64
}

// Failure is the payload of message.failed events.
type Failure struct {
	TempID         string
	ConversationID int64
	Err            error
}

// Queue holds outbound messages until the server confirms them. Entries are
// persisted, so messages composed offline survive restarts and go out on the
// next CONNECTED flush.
type Queue struct {
	db         *store.DB
	sender     Sender
	bus        *bus.Bus
	logger     *zap.Logger
	selfID     int64
	maxRetries int

	// mu serializes transmissions so a flush and an immediate send never
	// interleave.
	mu sync.Mutex
	// sentIn maps temp ids to the session they were last transmitted in.
	sentIn map[string]uint64
	// flushedIn is the session whose CONNECTED flush completed. Until it
	// matches the current session, new entries wait for the flush so older
	// entries go out first.
	flushedIn uint64
}

// NewQueue creates a queue. maxRetries <= 0 uses DefaultMaxRetries.
func NewQueue(db *store.DB, sender Sender, b *bus.Bus, selfID int64, maxRetries int, logger *zap.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:         db,
		sender:     sender,
		bus:        b,
		logger:     logger.Named("outbox"),
		selfID:     selfID,
		maxRetries: maxRetries,
		sentIn:     make(map[string]uint64),
	}
}

// Enqueue stores an optimistic PENDING message with a fresh temp id and
// transmits it right away when connected and the session's flush is done.
func (q *Queue) Enqueue(o Outgoing) (*store.Message, error) {
	if o.Type == "" {
		o.Type = store.TypeText
	}
	m := &store.Message{
		TempID:         uuid.NewString(),
		ConversationID: o.ConversationID,
		SenderID:       q.selfID,
		Content:        o.Content,
		Type:           o.Type,
		MediaURL:       o.MediaURL,
		ReplyToID:      o.ReplyToID,
		CreatedAt:      time.Now(),
	}
	payload, err := encodePayload(m)
	if err != nil {
		return nil, err
	}
	if err := q.db.InsertOutgoing(m, payload); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("message queued", zap.String("temp_id", m.TempID), zap.Int64("conversation_id", m.ConversationID))
	q.bus.Emit(bus.KindMessageUpserted, m)

	q.sendNow(store.PendingEntry{TempID: m.TempID, ConversationID: m.ConversationID, Payload: payload})
	return m, nil
}

// sendNow transmits a new entry when the current session has already been
// flushed. Otherwise the entry stays queued for the flush.
func (q *Queue) sendNow(e store.PendingEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	session := q.sender.Session()
	if !q.sender.Connected() || q.flushedIn != session {
		return
	}
	if s, ok := q.sentIn[e.TempID]; ok && s == session {
		return
	}
	q.transmit(e)
}

// Flush transmits every pending entry in FIFO order. An entry that fails is
// counted and left queued without blocking the entries behind it. Entries
// already sent in the current session are skipped.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	session := q.sender.Session()
	entries, err := q.db.PendingEntries()
	if err != nil {
		q.logger.Error("failed to read pending entries", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		if q.sender.Connected() {
			q.flushedIn = session
		}
		return
	}

	sent := 0
	for _, e := range entries {
		if e.RetryCount >= q.maxRetries {
			q.evict(e.TempID, e.ConversationID, fmt.Errorf("%w: retry count %d", ErrPermanentSendFailure, e.RetryCount))
			continue
		}
		if s, ok := q.sentIn[e.TempID]; ok && s == session {
			continue
		}
		if !q.sender.Connected() {
			q.logger.Info("flush interrupted by disconnect", zap.Int("sent", sent))
			return
		}
		if q.transmit(e) {
			sent++
		}
	}
	q.flushedIn = session
	q.logger.Info("outbox flushed", zap.Int("pending", len(entries)), zap.Int("sent", sent))
}

// transmit sends one entry and reports whether it went out. Callers hold mu.
func (q *Queue) transmit(e store.PendingEntry) bool {
	var req wire.SendRequest
	if err := json.Unmarshal([]byte(e.Payload), &req); err != nil {
		q.logger.Error("corrupt pending payload", zap.String("temp_id", e.TempID), zap.Error(err))
		q.evict(e.TempID, e.ConversationID, fmt.Errorf("%w: %v", ErrPermanentSendFailure, err))
		return false
	}

	session := q.sender.Session()
	err := q.sender.Send(wire.Send(req))
	switch {
	case err == nil:
		q.sentIn[e.TempID] = session
		return true
	case errors.Is(err, conn.ErrNotConnected):
		// Not an attempt; the next flush picks it up.
		return false
	default:
		q.onSendFailureLocked(e.TempID, err)
		return false
	}
}

// OnSendFailure counts a failed transmission. Once the retry count reaches
// the ceiling the entry is evicted, the message is marked FAILED and a
// message.failed event carries ErrPermanentSendFailure.
func (q *Queue) OnSendFailure(tempID string, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSendFailureLocked(tempID, cause)
}

func (q *Queue) onSendFailureLocked(tempID string, cause error) {
	delete(q.sentIn, tempID)
	n, err := q.db.IncrementRetry(tempID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		q.logger.Error("failed to count retry", zap.String("temp_id", tempID), zap.Error(err))
		return
	}
	q.logger.Warn("send failed", zap.String("temp_id", tempID), zap.Int("retry_count", n), zap.Error(cause))
	if n < q.maxRetries {
		return
	}

	var conversationID int64
	if m, err := q.db.MessageByTempID(tempID); err == nil {
		conversationID = m.ConversationID
	}
	q.evict(tempID, conversationID, fmt.Errorf("%w: %v", ErrPermanentSendFailure, cause))
}

func (q *Queue) evict(tempID string, conversationID int64, cause error) {
	delete(q.sentIn, tempID)
	if err := q.db.EvictPending(tempID); err != nil {
		q.logger.Error("failed to evict pending entry", zap.String("temp_id", tempID), zap.Error(err))
		return
	}
	q.logger.Error("message permanently failed", zap.String("temp_id", tempID), zap.Error(cause))
	q.bus.Emit(bus.KindMessageFailed, Failure{TempID: tempID, ConversationID: conversationID, Err: cause})
}

// OnConfirmation applies MESSAGE_SENT: the pending entry goes away and the
// message gets its server id and moves to SENT. Repeated confirmations for
// the same temp id change nothing and publish nothing.
func (q *Queue) OnConfirmation(tempID string, serverID int64, serverTime time.Time) (*store.Message, error) {
	m, changed, err := q.db.ConfirmPending(tempID, serverID, serverTime)
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", tempID, err)
	}

	q.mu.Lock()
	delete(q.sentIn, tempID)
	q.mu.Unlock()

	if !changed {
		q.logger.Debug("confirmation ignored", zap.String("temp_id", tempID), zap.Int64("message_id", serverID))
		return m, nil
	}
	q.logger.Debug("message confirmed", zap.String("temp_id", tempID), zap.Int64("message_id", serverID))
	q.bus.Emit(bus.KindMessageSent, m)
	return m, nil
}

// Retry puts a FAILED message back in the queue with a zero retry count and
// transmits it when connected and the session's flush is done.
func (q *Queue) Retry(tempID string) (*store.Message, error) {
	m, err := q.db.MessageByTempID(tempID)
	if err != nil {
		return nil, err
	}
	payload, err := encodePayload(m)
	if err != nil {
		return nil, err
	}
	m, err = q.db.RequeueFailed(tempID, payload)
	if err != nil {
		return nil, err
	}
	q.bus.Emit(bus.KindMessageUpserted, m)

	q.sendNow(store.PendingEntry{TempID: m.TempID, ConversationID: m.ConversationID, Payload: payload})
	return m, nil
}

// Pending returns the queued entries, oldest first.
func (q *Queue) Pending() ([]store.PendingEntry, error) {
	return q.db.PendingEntries()
}

func encodePayload(m *store.Message) (string, error) {
	raw, err := json.Marshal(wire.SendRequest{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		MessageType:    string(m.Type),
		MediaURL:       m.MediaURL,
		ReplyToID:      m.ReplyToID,
		TempID:         m.TempID,
	})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(raw), nil
}
