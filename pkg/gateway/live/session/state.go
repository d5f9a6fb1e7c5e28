package session

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of one streaming session.
type State int

const (
	StateConnecting State = iota
	StateAdmitted
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAdmitted:
		return "ADMITTED"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var allowedTransitions = map[State][]State{
	StateConnecting: {StateAdmitted, StateClosed},
	StateAdmitted:   {StateActive, StateClosing, StateClosed},
	StateActive:     {StateClosing},
	StateClosing:    {StateClosed},
	StateClosed:     {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, next) {
		return fmt.Errorf("session: illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	return nil
}

// toIf moves to next only when guard returns true, evaluated under the
// state lock. It returns whether the transition happened.
func (m *stateMachine) toIf(next State, guard func() bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, next) {
		return false, fmt.Errorf("session: illegal transition %s -> %s", m.state, next)
	}
	if guard != nil && !guard() {
		return false, nil
	}
	m.state = next
	return true, nil
}
