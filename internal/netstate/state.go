// Package netstate tracks whether the remote document store is reachable.
package netstate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/bazaar/internal/bus"
)

// State is the last known reachability of the remote.
type State string

const (
	Unknown State = "UNKNOWN"
	Online  State = "ONLINE"
	Offline State = "OFFLINE"
)

var validTransitions = map[State][]State{
	Unknown: {Online, Offline},
	Online:  {Offline},
	Offline: {Online},
}

// Machine tracks and enforces reachability transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
	hooks   []func(StatusChange)
}

// NewMachine creates a machine in the Unknown state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Unknown, since: time.Now(), bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Online reports whether remote calls should be attempted. Until the first
// probe completes the remote is assumed reachable.
func (m *Machine) Online() bool {
	return m.Current() != Offline
}

// OnChange registers fn to run after every transition, outside the lock.
func (m *Machine) OnChange(fn func(StatusChange)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Transition moves to a new state. Returns error if the transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := StatusChange{From: m.current, To: to}
	m.current = to
	m.since = time.Now()
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindNetStatusChanged, change))
	}
	for _, fn := range hooks {
		fn(change)
	}
	return nil
}

// Report records the outcome of a reachability check. Repeating the current
// state is a no-op.
func (m *Machine) Report(reachable bool) {
	to := Offline
	if reachable {
		to = Online
	}
	if m.Current() == to {
		return
	}
	// A concurrent report may have won the race; that is fine.
	_ = m.Transition(to)
}

// StatusChange is the payload for reachability change events.
type StatusChange struct {
	From State
	To   State
}

// Restored reports whether this change means connectivity came back.
func (c StatusChange) Restored() bool {
	return c.From == Offline && c.To == Online
}
