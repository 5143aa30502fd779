package legacysse

import "fmt"

// State is the lifecycle position of a legacy stream.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosed, StateError},
	StateConnecting: {StateConnected, StateClosed, StateError},
	StateConnected:  {StateStreaming, StateClosed, StateError},
	StateStreaming:  {StateClosed, StateError},
	StateError:      {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// acceptsMessages reports whether POSTs may be dispatched in s.
func (s State) acceptsMessages() bool {
	return s == StateConnected || s == StateStreaming
}
