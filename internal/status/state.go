package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/netzeal/chatsync/internal/bus"
)

// State is the connection state of the chat engine.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. Every state may fall
// back to Disconnected (explicit disconnect or reconnect ceiling).
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions. Only the
// connection manager calls Transition; everything else reads Current.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the current state equals s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition moves to a new state. Returns an error if the move is not in
// the transition table. Transitioning to the current state is an error too.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	m.bus.Emit(bus.KindStateChanged, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
