package session

import "fmt"

// State is the lifecycle of one session.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateConnecting
	StateConnected
	StateChannelOpen
	StateClosed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateChannelOpen:
		return "channel-open"
	case StateClosed:
		return "closed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateDisconnected
}

// forward lists the single non-terminal successor of each state. Closed and
// Disconnected are reachable from every non-terminal state.
var forward = map[State]State{
	StateIdle:        StateNegotiating,
	StateNegotiating: StateConnecting,
	StateConnecting:  StateConnected,
	StateConnected:   StateChannelOpen,
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateClosed || to == StateDisconnected {
		return true
	}
	next, ok := forward[from]
	return ok && next == to
}
