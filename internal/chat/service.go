// Package chat is the surface the UI layer drives: it composes the
// connection manager, the room tracker, the outbound queue and the local
// store into user-level operations.
package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/conn"
	"github.com/netzeal/chatsync/internal/dispatch"
	"github.com/netzeal/chatsync/internal/httpapi"
	"github.com/netzeal/chatsync/internal/outbox"
	"github.com/netzeal/chatsync/internal/rooms"
	"github.com/netzeal/chatsync/internal/status"
	"github.com/netzeal/chatsync/internal/store"
	chatsync "github.com/netzeal/chatsync/internal/sync"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Connection is the part of conn.Manager the service drives.
type Connection interface {
	Connect(ctx context.Context, tokens conn.TokenProvider) error
	Disconnect() error
	Background() error
	Foreground() error
	Send(out wire.Outbound) error
	Connected() bool
	State() status.State
	LastError() error
	Attempts() int
}

// API is the part of the HTTP client the service uses.
type API interface {
	ListConversations(ctx context.Context, limit int) ([]httpapi.Conversation, error)
	Messages(ctx context.Context, conversationID int64, cursor string, limit int) (*httpapi.Page, error)
	Send(ctx context.Context, u httpapi.Upload) (*wire.MessagePayload, error)
}

// TokenStore is a token provider the service can clear on logout.
type TokenStore interface {
	conn.TokenProvider
	Clear() error
}

// Options tunes cache behavior.
type Options struct {
	ConversationTTL time.Duration
	PageSize        int
	Now             func() time.Time
}

// Deps are the components the service composes.
type Deps struct {
	DB         *store.DB
	Conn       Connection
	Tokens     TokenStore
	Rooms      *rooms.Tracker
	Queue      *outbox.Queue
	Engine     *chatsync.Engine
	Reconciler *chatsync.Reconciler
	Typing     *dispatch.TypingTracker
	API        API
	Bus        *bus.Bus
}

// Status is a snapshot of the engine for the UI.
type Status struct {
	State     status.State
	Attempts  int
	LastError string
	Rooms     []int64
	Pending   int
	LastSync  time.Time
}

// HistoryPage is the result of LoadHistory.
type HistoryPage struct {
	Added      []store.Message
	NextCursor string
	HasMore    bool
}

// Service implements the user-level chat operations.
type Service struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// New creates a service.
func New(deps Deps, opts Options, logger *zap.Logger) *Service {
	if opts.ConversationTTL <= 0 {
		opts.ConversationTTL = 5 * time.Minute
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, opts: opts, logger: logger.Named("chat")}
}

// Connect opens the realtime connection with the configured token.
func (s *Service) Connect(ctx context.Context) error {
	return s.deps.Conn.Connect(ctx, s.deps.Tokens)
}

func (s *Service) Disconnect() error { return s.deps.Conn.Disconnect() }
func (s *Service) Foreground() error { return s.deps.Conn.Foreground() }
func (s *Service) Background() error { return s.deps.Conn.Background() }

// Join adds a conversation to the desired room set.
func (s *Service) Join(conversationID int64) { s.deps.Rooms.Join(conversationID) }

// Leave removes a conversation from the desired room set.
func (s *Service) Leave(conversationID int64) { s.deps.Rooms.Leave(conversationID) }

// Send queues a message and clears the conversation draft. The message is
// returned in PENDING state; confirmation arrives as a message.sent event.
func (s *Service) Send(o outbox.Outgoing) (*store.Message, error) {
	m, err := s.deps.Queue.Enqueue(o)
	if err != nil {
		return nil, err
	}
	if err := s.deps.DB.ClearDraft(o.ConversationID); err != nil {
		s.logger.Warn("failed to clear draft", zap.Error(err), zap.Int64("conversation_id", o.ConversationID))
	}
	return m, nil
}

// SendMedia uploads a message with an attachment over HTTP and stores the
// server's copy.
func (s *Service) SendMedia(ctx context.Context, u httpapi.Upload) (*store.Message, error) {
	p, err := s.deps.API.Send(ctx, u)
	if err != nil {
		return nil, err
	}
	m, err := s.deps.Engine.IngestMessage(*p)
	if err != nil {
		return nil, err
	}
	if m == nil {
		// Already delivered over the socket.
		msg := chatsync.ToMessage(*p, 0)
		m = &msg
	}
	return m, nil
}

// Retry re-queues a FAILED message.
func (s *Service) Retry(tempID string) (*store.Message, error) {
	return s.deps.Queue.Retry(tempID)
}

// SetTyping sends a typing indicator. Indicators are ephemeral and are not
// queued while offline.
func (s *Service) SetTyping(conversationID int64, typing bool) error {
	return s.deps.Conn.Send(wire.Typing(conversationID, typing))
}

// Typing lists users typing in a conversation.
func (s *Service) Typing(conversationID int64) []int64 {
	return s.deps.Typing.Typing(conversationID)
}

// MarkRead sends a read receipt for every message of the conversation still
// awaiting one. It returns the server ids acknowledged.
func (s *Service) MarkRead(conversationID int64) ([]int64, error) {
	ids, err := s.deps.DB.ReceiptPending(conversationID)
	if err != nil {
		return nil, err
	}
	var done []int64
	for _, id := range ids {
		if err := s.deps.Conn.Send(wire.ReadReceipt(id, conversationID)); err != nil {
			if len(done) > 0 {
				return done, nil
			}
			return nil, err
		}
		if err := s.deps.DB.ClearReceiptPending(id); err != nil {
			return done, err
		}
		done = append(done, id)
	}
	return done, nil
}

// Messages returns the most recent cached messages of a conversation in
// ascending order. limit <= 0 uses the configured page size.
func (s *Service) Messages(conversationID int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	return s.deps.DB.CachedMessages(conversationID, limit)
}

// LoadHistory fetches an older page over HTTP and merges it into the cache.
func (s *Service) LoadHistory(ctx context.Context, conversationID int64, cursor string) (*HistoryPage, error) {
	page, err := s.deps.API.Messages(ctx, conversationID, cursor, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	added, err := s.deps.Reconciler.MergeHistory(conversationID, page.Items)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Added: added, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// Conversations returns the conversation list. Cached summaries are served
// while fresh; a stale cache is a miss and is refetched.
func (s *Service) Conversations(ctx context.Context, refresh bool) ([]store.Conversation, error) {
	now := s.opts.Now()
	if !refresh {
		cached, err := s.deps.DB.FreshConversations(now, s.opts.ConversationTTL)
		if err != nil {
			return nil, err
		}
		if len(cached) > 0 {
			return cached, nil
		}
	}

	remote, err := s.deps.API.ListConversations(ctx, 0)
	if err != nil {
		return nil, err
	}
	convs := make([]store.Conversation, len(remote))
	for i, c := range remote {
		convs[i] = c.ToStore()
		convs[i].CachedAt = now
	}
	if err := s.deps.DB.SaveConversations(convs, now); err != nil {
		return nil, fmt.Errorf("cache conversations: %w", err)
	}
	s.logger.Debug("conversations refreshed", zap.Int("count", len(convs)))
	// Same order as the cached read: newest activity first.
	slices.SortStableFunc(convs, func(a, b store.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return convs, nil
}

// SaveDraft stores unsent text. Empty content deletes the draft.
func (s *Service) SaveDraft(conversationID int64, content string) error {
	return s.deps.DB.SaveDraft(conversationID, content)
}

// Draft returns the saved draft, or nil.
func (s *Service) Draft(conversationID int64) (*store.Draft, error) {
	return s.deps.DB.GetDraft(conversationID)
}

// ClearCache wipes every cached table and ephemeral indicator.
func (s *Service) ClearCache() error {
	if err := s.deps.DB.ClearAll(); err != nil {
		return err
	}
	if s.deps.Typing != nil {
		s.deps.Typing.Reset()
	}
	s.logger.Info("cache cleared")
	return nil
}

// Logout disconnects, forgets the token and wipes the cache.
func (s *Service) Logout() error {
	var errs []error
	if err := s.deps.Conn.Disconnect(); err != nil && !errors.Is(err, conn.ErrClosed) {
		errs = append(errs, err)
	}
	for _, id := range s.deps.Rooms.Rooms() {
		s.deps.Rooms.Leave(id)
	}
	if s.deps.Tokens != nil {
		if err := s.deps.Tokens.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clear token: %w", err))
		}
	}
	if err := s.ClearCache(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Status snapshots the connection and queue.
func (s *Service) Status() Status {
	st := Status{
		State:    s.deps.Conn.State(),
		Attempts: s.deps.Conn.Attempts(),
		Rooms:    s.deps.Rooms.Rooms(),
	}
	if err := s.deps.Conn.LastError(); err != nil {
		st.LastError = err.Error()
	}
	if pending, err := s.deps.Queue.Pending(); err == nil {
		st.Pending = len(pending)
	}
	if s.deps.Reconciler != nil {
		if last, err := s.deps.Reconciler.LastSync(); err == nil {
			st.LastSync = last
		}
	}
	return st
}
