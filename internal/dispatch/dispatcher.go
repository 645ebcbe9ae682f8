package dispatch

import (
	"strings"
	"time"

	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/store"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Ingester writes NEW_MESSAGE frames through to the store.
type Ingester interface {
	IngestMessage(p wire.MessagePayload) (*store.Message, error)
}

// Confirmer applies MESSAGE_SENT confirmations.
type Confirmer interface {
	OnConfirmation(tempID string, serverID int64, serverTime time.Time) (*store.Message, error)
}

// SyncApplier merges SYNC_RESPONSE frames.
type SyncApplier interface {
	ApplySyncResponse(resp wire.SyncResponse) ([]store.Message, error)
}

// RoomAcker records ROOM_JOINED and ROOM_LEFT answers.
type RoomAcker interface {
	Acknowledge(conversationID int64, joined bool)
}

// ReceiptStore records READ_RECEIPT frames and delivery acknowledgements.
type ReceiptStore interface {
	ApplyReadReceipt(serverID, userID int64, readAt time.Time) (bool, error)
	AdvanceState(serverID int64, state store.DeliveryState) error
}

// Deps are the subsystems frames are routed to.
type Deps struct {
	Ingester  Ingester
	Confirmer Confirmer
	Sync      SyncApplier
	Rooms     RoomAcker
	Receipts  ReceiptStore
	Typing    *TypingTracker
	Bus       *bus.Bus
	SelfID    int64
}

// Dispatcher routes inbound frames by type. It runs on the connection's
// event loop, so frames are handled strictly in arrival order. A frame it
// cannot understand is logged and dropped; it never fails the connection.
type Dispatcher struct {
	deps   Deps
	logger *zap.Logger
}

// New creates a dispatcher.
func New(deps Deps, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{deps: deps, logger: logger.Named("dispatch")}
}

// HandleFrame implements conn.FrameHandler.
func (d *Dispatcher) HandleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeNewMessage:
		var p wire.MessagePayload
		if !d.bind(f, &p) {
			return
		}
		if _, err := d.deps.Ingester.IngestMessage(p); err != nil {
			d.logger.Error("failed to store message", zap.Error(err), zap.Int64("message_id", p.ID))
			return
		}
		if d.deps.Typing != nil && p.SenderID != d.deps.SelfID {
			d.deps.Typing.Set(p.ConversationID, p.SenderID, false)
		}

	case wire.TypeMessageSent:
		var p wire.MessageSent
		if !d.bind(f, &p) {
			return
		}
		if p.TempID == "" {
			d.logger.Warn("confirmation without temp_id", zap.Int64("message_id", p.MessageID))
			return
		}
		m, err := d.deps.Confirmer.OnConfirmation(p.TempID, p.MessageID, time.Time{})
		if err != nil {
			d.logger.Error("failed to apply confirmation", zap.Error(err), zap.String("temp_id", p.TempID))
			return
		}
		if !strings.EqualFold(p.Status, wire.StatusDelivered) {
			return
		}
		if err := d.deps.Receipts.AdvanceState(p.MessageID, store.StateDelivered); err != nil {
			d.logger.Error("failed to mark message delivered", zap.Error(err), zap.Int64("message_id", p.MessageID))
			return
		}
		if m != nil && m.State == store.StateSent {
			m.State = store.StateDelivered
			d.deps.Bus.Emit(bus.KindMessageUpserted, m)
		}

	case wire.TypeTyping:
		var p wire.TypingEvent
		if !d.bind(f, &p) {
			return
		}
		if p.UserID == d.deps.SelfID || d.deps.Typing == nil {
			return
		}
		d.deps.Typing.Set(p.ConversationID, p.UserID, p.IsTyping)

	case wire.TypeReadReceipt:
		var p wire.ReadReceiptEvent
		if !d.bind(f, &p) {
			return
		}
		readAt, _ := wire.ParseTime(p.ReadAt)
		added, err := d.deps.Receipts.ApplyReadReceipt(p.MessageID, p.UserID, readAt)
		if err != nil {
			d.logger.Error("failed to apply read receipt", zap.Error(err), zap.Int64("message_id", p.MessageID))
			return
		}
		if added {
			d.deps.Bus.Emit(bus.KindMessageRead, p)
		}

	case wire.TypeSyncResponse:
		var p wire.SyncResponse
		if !d.bind(f, &p) {
			return
		}
		if _, err := d.deps.Sync.ApplySyncResponse(p); err != nil {
			d.logger.Error("failed to merge sync response", zap.Error(err), zap.Int64("conversation_id", p.ConversationID))
		}

	case wire.TypePresenceUpdate:
		var p wire.PresenceEvent
		if !d.bind(f, &p) {
			return
		}
		d.deps.Bus.Emit(bus.KindPresence, p)

	case wire.TypeRoomJoined, wire.TypeRoomLeft:
		var p wire.RoomAck
		if !d.bind(f, &p) {
			return
		}
		joined := f.Type == wire.TypeRoomJoined
		if d.deps.Rooms != nil {
			d.deps.Rooms.Acknowledge(p.RoomID, joined)
		}
		kind := bus.KindRoomLeft
		if joined {
			kind = bus.KindRoomJoined
		}
		d.logger.Debug("room acknowledged", zap.String("type", string(f.Type)), zap.Int64("room_id", p.RoomID))
		d.deps.Bus.Emit(kind, p)

	case wire.TypeError:
		var p wire.ServerError
		_ = f.Bind(&p)
		d.logger.Warn("server error", zap.String("message", p.Message), zap.String("code", p.Code))

	default:
		d.logger.Info("dropping unknown frame", zap.String("type", string(f.Type)))
	}
}

func (d *Dispatcher) bind(f wire.Frame, v any) bool {
	if err := f.Bind(v); err != nil {
		d.logger.Warn("dropping frame with bad payload", zap.String("type", string(f.Type)), zap.Error(err))
		return false
	}
	return true
}
