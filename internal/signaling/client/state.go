package client

import "fmt"

// State is the lifecycle state of the local party.
type State int

const (
	// StateIdle means no call activity.
	StateIdle State = iota
	// StateOffering means an offer is out, awaiting the answer.
	StateOffering
	// StateRinging means an incoming offer is pending a local decision.
	StateRinging
	// StateActive means the call is established.
	StateActive
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOffering:
		return "Offering"
	case StateRinging:
		return "Ringing"
	case StateActive:
		return "Active"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed.
var validTransitions = map[State][]State{
	StateIdle:     {StateOffering, StateRinging},
	StateOffering: {StateActive, StateIdle},
	StateRinging:  {StateActive, StateIdle},
	StateActive:   {StateIdle, StateRinging},
}

// CanTransitionTo checks if a transition from s to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LinkState reports the peer link's connection health.
type LinkState int

const (
	// LinkConnecting means negotiation or ICE is still in progress.
	LinkConnecting LinkState = iota
	// LinkConnected means the peer connection is established.
	LinkConnected
	// LinkDisconnected means connectivity was lost, possibly transiently.
	LinkDisconnected
	// LinkFailed means the peer connection cannot recover.
	LinkFailed
)

// String returns the string representation of the link state.
func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "Connecting"
	case LinkConnected:
		return "Connected"
	case LinkDisconnected:
		return "Disconnected"
	case LinkFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}
