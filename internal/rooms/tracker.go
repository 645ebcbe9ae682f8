package rooms

import (
	"slices"
	"sync"

	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Sender is the part of the connection manager the tracker needs.
type Sender interface {
	Send(out wire.Outbound) error
	Connected() bool
	Session() uint64
}

// Tracker holds the set of conversation rooms the client wants to be in.
// Membership is desired state: the server forgets it when the connection
// drops, so Assert replays it after every acknowledgement.
type Tracker struct {
	sender Sender
	logger *zap.Logger

	mu      sync.Mutex
	desired map[int64]struct{}
	// joined holds rooms the server acknowledged during the current session.
	joined map[int64]struct{}
	// assertedIn is the session the desired set was last replayed in. Join
	// and Leave only send directly once the current session is asserted.
	assertedIn uint64
}

// NewTracker creates an empty tracker.
func NewTracker(sender Sender, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sender:  sender,
		logger:  logger.Named("rooms"),
		desired: make(map[int64]struct{}),
		joined:  make(map[int64]struct{}),
	}
}

// Join adds a room and sends JOIN_ROOM right away when the current session
// has been asserted. Otherwise the room is joined by the next Assert.
func (t *Tracker) Join(conversationID int64) {
	t.mu.Lock()
	t.desired[conversationID] = struct{}{}
	live := t.liveLocked()
	t.mu.Unlock()

	if live {
		t.send(wire.JoinRoom(conversationID))
	}
}

// Leave removes a room unconditionally, even if the server never confirmed
// the join, and sends LEAVE_ROOM when the current session has been asserted.
func (t *Tracker) Leave(conversationID int64) {
	t.mu.Lock()
	delete(t.desired, conversationID)
	delete(t.joined, conversationID)
	live := t.liveLocked()
	t.mu.Unlock()

	if live {
		t.send(wire.LeaveRoom(conversationID))
	}
}

func (t *Tracker) liveLocked() bool {
	return t.sender.Connected() && t.assertedIn == t.sender.Session()
}

// Assert sends JOIN_ROOM for every desired room, in ascending id order.
// Called once per session, after the server acknowledged it.
func (t *Tracker) Assert() {
	t.mu.Lock()
	clear(t.joined)
	t.assertedIn = t.sender.Session()
	ids := t.sortedLocked()
	t.mu.Unlock()

	for _, id := range ids {
		t.send(wire.JoinRoom(id))
	}
	if len(ids) > 0 {
		t.logger.Info("rooms re-asserted", zap.Int("count", len(ids)))
	}
}

// Acknowledge records the server's ROOM_JOINED/ROOM_LEFT answer.
func (t *Tracker) Acknowledge(conversationID int64, joined bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !joined {
		delete(t.joined, conversationID)
		return
	}
	if _, ok := t.desired[conversationID]; ok {
		t.joined[conversationID] = struct{}{}
	}
}

// Rooms returns the desired rooms in ascending order.
func (t *Tracker) Rooms() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

// Contains reports whether the room is desired.
func (t *Tracker) Contains(conversationID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.desired[conversationID]
	return ok
}

// Joined reports whether the server acknowledged the room this session.
func (t *Tracker) Joined(conversationID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[conversationID]
	return ok
}

func (t *Tracker) sortedLocked() []int64 {
	ids := make([]int64, 0, len(t.desired))
	for id := range t.desired {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) send(out wire.Outbound) {
	if err := t.sender.Send(out); err != nil {
		t.logger.Warn("room frame not sent", zap.String("type", string(out.Type)), zap.Error(err))
	}
}
