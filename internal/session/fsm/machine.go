package fsm

import (
	"fmt"
	"strings"
	"sync"
)

// State describes the call state of a voice session.
type State string

const (
	StateIdle    State = "idle"
	StateRinging State = "ringing"
	StateCall    State = "call"
)

// ParseState maps a string to a State.
func ParseState(s string) (State, error) {
	switch State(strings.TrimSpace(strings.ToLower(s))) {
	case StateIdle:
		return StateIdle, nil
	case StateRinging:
		return StateRinging, nil
	case StateCall:
		return StateCall, nil
	default:
		return "", fmt.Errorf("invalid state: %s", s)
	}
}

// Machine is a lightweight deterministic call state machine.
type Machine struct {
	mu       sync.RWMutex
	state    State
	onChange func(from, to State)
}

// New creates a state machine in idle.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// OnChange registers a hook called after every state change.
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnRing moves idle into ringing. It reports whether the transition happened.
func (m *Machine) OnRing() bool {
	return m.guarded(StateRinging, StateIdle)
}

// OnAnswer moves ringing into call.
func (m *Machine) OnAnswer() bool {
	return m.guarded(StateCall, StateRinging)
}

// OnHangup returns to idle from any state.
func (m *Machine) OnHangup() bool {
	return m.guarded(StateIdle, StateRinging, StateCall)
}

// Force sets state unconditionally.
func (m *Machine) Force(state State) error {
	switch state {
	case StateIdle, StateRinging, StateCall:
		m.transition(state)
		return nil
	default:
		return fmt.Errorf("invalid state: %s", state)
	}
}

func (m *Machine) guarded(to State, from ...State) bool {
	m.mu.Lock()
	prev := m.state
	allowed := false
	for _, s := range from {
		if s == prev {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return false
	}
	m.state = to
	hook := m.onChange
	m.mu.Unlock()
	if hook != nil {
		hook(prev, to)
	}
	return true
}

func (m *Machine) transition(state State) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	hook := m.onChange
	m.mu.Unlock()
	if hook != nil && prev != state {
		hook(prev, state)
	}
}
