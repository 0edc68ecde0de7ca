package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/clock"
)

// State is a push connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting, Reconnecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
	clock   clock.Clock
}

// NewMachine creates a state machine starting in Disconnected. Change events
// are stamped with clk, or the real clock when nil.
func NewMachine(b *bus.Bus, clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Machine{
		current: Disconnected,
		bus:     b,
		clock:   clk,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state and publishes the change. attempts is the
// reconnect counter at the moment of the change.
func (m *Machine) Transition(to State, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      bus.ConnectionStatusChanged,
		Timestamp: m.clock.Now(),
		Payload: StatusChange{
			From:     from,
			To:       to,
			Attempts: attempts,
		},
	})
	return nil
}

// StatusChange is the payload for connection.status_changed events.
type StatusChange struct {
	From     State `json:"from"`
	To       State `json:"to"`
	Attempts int   `json:"attempts"`
}
