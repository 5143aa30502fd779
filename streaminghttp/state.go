package streaminghttp

import "fmt"

// State is the lifecycle position of a session's transport.
type State int

const (
	StatePending State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StatePending:      {StateInitializing, StateClosing, StateError},
	StateInitializing: {StateActive, StateClosing, StateError},
	StateActive:       {StateClosing, StateError},
	StateClosing:      {StateClosed, StateError},
	StateError:        {StateClosing},
}

// ErrIllegalTransition is wrapped by transition failures.
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transport transition %s -> %s", e.From, e.To)
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
