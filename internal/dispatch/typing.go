package dispatch

import (
	"slices"
	"sync"
	"time"

	"github.com/netzeal/chatsync/internal/bus"
)

// TypingState is the payload of typing.changed events.
type TypingState struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
	IsTyping       bool  `json:"is_typing"`
}

type typingKey struct {
	conversationID int64
	userID         int64
}

// TypingTracker keeps ephemeral "is typing" indicators. An indicator
// expires after the expiry window even if the stop frame never arrives.
type TypingTracker struct {
	bus    *bus.Bus
	expiry time.Duration

	mu      sync.Mutex
	seq     uint64
	entries map[typingKey]typingEntry
}

type typingEntry struct {
	timer *time.Timer
	seq   uint64
}

// NewTypingTracker creates a tracker with the given expiry window.
func NewTypingTracker(b *bus.Bus, expiry time.Duration) *TypingTracker {
	if expiry <= 0 {
		expiry = 3 * time.Second
	}
	return &TypingTracker{bus: b, expiry: expiry, entries: make(map[typingKey]typingEntry)}
}

// Set records a TYPING frame. Each "typing" frame restarts the expiry
// window for that user.
func (t *TypingTracker) Set(conversationID, userID int64, typing bool) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	prev, was := t.entries[key]
	if was {
		prev.timer.Stop()
		delete(t.entries, key)
	}
	if typing {
		t.seq++
		seq := t.seq
		t.entries[key] = typingEntry{
			timer: time.AfterFunc(t.expiry, func() { t.expire(key, seq) }),
			seq:   seq,
		}
	}
	t.mu.Unlock()

	if typing != was {
		t.bus.Emit(bus.KindTyping, TypingState{ConversationID: conversationID, UserID: userID, IsTyping: typing})
	}
}

func (t *TypingTracker) expire(key typingKey, seq uint64) {
	t.mu.Lock()
	if e, ok := t.entries[key]; !ok || e.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	t.bus.Emit(bus.KindTyping, TypingState{ConversationID: key.conversationID, UserID: key.userID, IsTyping: false})
}

// Typing lists users currently typing in a conversation, ascending.
func (t *TypingTracker) Typing(conversationID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []int64
	for key := range t.entries {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	slices.Sort(users)
	return users
}

// Reset drops every indicator without publishing.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}
