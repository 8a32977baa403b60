package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lavoro-hq/chatsync/internal/bus"
)

// State represents the connection state of the chat core.
type State string

const (
	Booting    State = "BOOTING"
	Connecting State = "CONNECTING"
	// Online: push channel connected, last fetch authoritative.
	Online State = "ONLINE"
	// Degraded: serving from the local cache after a failed fetch.
	Degraded State = "DEGRADED"
	// Offline: push channel lost; the poller re-dials.
	Offline State = "OFFLINE"
	Error   State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Connecting, Error},
	Connecting: {Online, Degraded, Offline, Error},
	Online:     {Connecting, Degraded, Offline, Error},
	Degraded:   {Online, Offline, Connecting, Error},
	Offline:    {Connecting, Error},
	Error:      {Booting},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if the
// transition is invalid. Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
