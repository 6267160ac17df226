// Package status tracks the connection lifecycle state machine.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/andrelcm/zapkeeper/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Idle       State = "IDLE"
	Connecting State = "CONNECTING"
	Pairing    State = "PAIRING"
	Open       State = "OPEN"
	Closed     State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed may re-enter
// Connecting (transient reconnect); a terminal logout simply stays Closed.
var validTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Pairing, Open, Closed},
	Pairing:    {Open, Closed},
	Open:       {Closed},
	Closed:     {Connecting},
}

// Machine tracks and enforces lifecycle state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Topic: "conn.status_changed",
			Data:  StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
