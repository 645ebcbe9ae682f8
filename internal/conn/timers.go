package conn

import "time"

type slot int

const (
	slotHeartbeat slot = iota
	slotPong
	slotReconnect
	slotConnect
	numSlots
)

func (s slot) String() string {
	switch s {
	case slotHeartbeat:
		return "heartbeat"
	case slotPong:
		return "pong_timeout"
	case slotReconnect:
		return "reconnect"
	case slotConnect:
		return "connect_timeout"
	default:
		return "unknown"
	}
}

// timerFired is posted to the event loop when a slot's timer expires.
type timerFired struct {
	slot slot
	seq  uint64
}

// timerSlots holds one timer per role. Arming a slot cancels whatever was
// armed there before. Every arm and cancel bumps the slot's sequence, so a
// timer that already fired but has not been processed yet is recognized as
// stale and ignored. Only the event loop goroutine touches timerSlots.
type timerSlots struct {
	timers [numSlots]*time.Timer
	seq    [numSlots]uint64
	post   func(timerFired)
}

func (s *timerSlots) arm(k slot, d time.Duration) {
	s.cancel(k)
	seq := s.seq[k]
	s.timers[k] = time.AfterFunc(d, func() {
		s.post(timerFired{slot: k, seq: seq})
	})
}

func (s *timerSlots) cancel(k slot) {
	if t := s.timers[k]; t != nil {
		t.Stop()
		s.timers[k] = nil
	}
	s.seq[k]++
}

func (s *timerSlots) cancelAll() {
	for k := slot(0); k < numSlots; k++ {
		s.cancel(k)
	}
}

func (s *timerSlots) armed(k slot) bool {
	return s.timers[k] != nil
}

// claim reports whether ev belongs to the currently armed timer and, if so,
// disarms the slot.
func (s *timerSlots) claim(ev timerFired) bool {
	if s.timers[ev.slot] == nil || s.seq[ev.slot] != ev.seq {
		return false
	}
	s.timers[ev.slot] = nil
	return true
}
