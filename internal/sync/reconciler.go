package sync

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/store"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Checkpoint keys in sync_state.
const (
	KeyLastRequest = "last_sync_request"
	KeyLastMerge   = "last_sync_merge"
)

// Sender is the part of the connection manager the reconciler needs.
type Sender interface {
	Send(out wire.Outbound) error
}

// RoomLister supplies conversations the client wants live updates for.
type RoomLister interface {
	Rooms() []int64
}

// Merged is the payload of sync.merged events.
type Merged struct {
	ConversationID int64
	Messages       []store.Message
}

// Reconciler catches the cache up after a reconnect and manages sync
// checkpoints.
type Reconciler struct {
	db     *store.DB
	engine *Engine
	sender Sender
	rooms  RoomLister
	bus    *bus.Bus
	logger *zap.Logger
}

// NewReconciler creates a new reconciler. rooms may be nil.
func NewReconciler(db *store.DB, engine *Engine, sender Sender, rooms RoomLister, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:     db,
		engine: engine,
		sender: sender,
		rooms:  rooms,
		bus:    b,
		logger: logger.Named("reconciler"),
	}
}

// Reconcile sends REQUEST_SYNC for every known conversation and every
// desired room, asking for messages after the last cached server id.
func (r *Reconciler) Reconcile() {
	ids, err := r.conversations()
	if err != nil {
		r.logger.Error("failed to list conversations", zap.Error(err))
		return
	}

	requested := 0
	for _, id := range ids {
		last, err := r.db.LastServerID(id)
		if err != nil {
			r.logger.Error("failed to read last server id", zap.Error(err), zap.Int64("conversation_id", id))
			continue
		}
		if err := r.sender.Send(wire.RequestSync(id, last)); err != nil {
			r.logger.Warn("sync request not sent", zap.Error(err), zap.Int64("conversation_id", id))
			return
		}
		requested++
	}

	if err := r.db.SetCheckpoint(KeyLastRequest, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to record checkpoint", zap.Error(err))
	}
	r.logger.Info("sync requested", zap.Int("conversations", requested))
}

func (r *Reconciler) conversations() ([]int64, error) {
	ids, err := r.db.ConversationIDs()
	if err != nil {
		return nil, err
	}
	if r.rooms != nil {
		for _, id := range r.rooms.Rooms() {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// ApplySyncResponse merges a SYNC_RESPONSE into the store. Applying the same
// response twice leaves the store unchanged. The returned messages are the
// ones new to the cache, in ascending created_at order.
//
// The server answers REQUEST_SYNC with at most one page of the oldest
// messages after the cursor. A full page that added messages is followed by
// another request from the new last server id, so a long gap is caught up
// page by page until a response comes back short or adds nothing.
func (r *Reconciler) ApplySyncResponse(resp wire.SyncResponse) ([]store.Message, error) {
	conversationID := resp.ConversationID
	if conversationID == 0 && len(resp.Messages) > 0 {
		conversationID = resp.Messages[0].ConversationID
	}

	added, err := r.merge(conversationID, resp.Messages)
	if err != nil {
		return nil, err
	}
	if len(added) == 0 || len(resp.Messages) < wire.SyncPageSize || conversationID == 0 {
		return added, nil
	}

	last, err := r.db.LastServerID(conversationID)
	if err != nil {
		r.logger.Error("failed to read last server id", zap.Error(err), zap.Int64("conversation_id", conversationID))
		return added, nil
	}
	if err := r.sender.Send(wire.RequestSync(conversationID, last)); err != nil {
		r.logger.Warn("sync page request not sent", zap.Error(err), zap.Int64("conversation_id", conversationID))
		return added, nil
	}
	r.logger.Debug("requested next sync page", zap.Int64("conversation_id", conversationID), zap.Int64p("after", last))
	return added, nil
}

// MergeHistory merges a page fetched over HTTP through the same idempotent
// path as a sync response.
func (r *Reconciler) MergeHistory(conversationID int64, page []wire.MessagePayload) ([]store.Message, error) {
	return r.merge(conversationID, page)
}

func (r *Reconciler) merge(conversationID int64, page []wire.MessagePayload) ([]store.Message, error) {
	added, err := r.engine.IngestBatch(conversationID, page)
	if err != nil {
		return nil, err
	}
	if err := r.db.SetCheckpoint(KeyLastMerge, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to record checkpoint", zap.Error(err))
	}
	if len(added) > 0 {
		r.bus.Emit(bus.KindSyncMerged, Merged{ConversationID: conversationID, Messages: added})
	}
	return added, nil
}

// LastSync returns when a sync response or history page was last merged.
// The zero time means never.
func (r *Reconciler) LastSync() (time.Time, error) {
	v, err := r.db.Checkpoint(KeyLastMerge)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint %s: %w", KeyLastMerge, err)
	}
	return time.UnixMilli(ms), nil
}
