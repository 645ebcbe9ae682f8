package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so
// "message." receives every message.* kind.
const (
	KindStateChanged    = "conn.state_changed"
	KindConnError       = "conn.error"
	KindMessageUpserted = "message.upserted"
	KindMessageSent     = "message.sent"
	KindMessageFailed   = "message.failed"
	KindMessageRead     = "message.read"
	KindTyping          = "typing.changed"
	KindPresence        = "presence.updated"
	KindRoomJoined      = "room.joined"
	KindRoomLeft        = "room.left"
	KindSyncMerged      = "sync.merged"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
