package call

import "fmt"

// State is the lifecycle state of a call.
type State int

const (
	// StateIdle is the state of a freshly created call.
	StateIdle State = iota
	// StateSettingUp is after the set-up request has been handed to the endpoint.
	StateSettingUp
	// StateAlerting is while the remote (outgoing) or local (incoming) party is ringing.
	StateAlerting
	// StateEstablished is after the call was answered.
	StateEstablished
	// StateClearing is after teardown started, awaiting endpoint confirmation.
	StateClearing
	// StateCleared is the terminal state.
	StateCleared
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSettingUp:
		return "SettingUp"
	case StateAlerting:
		return "Alerting"
	case StateEstablished:
		return "Established"
	case StateClearing:
		return "Clearing"
	case StateCleared:
		return "Cleared"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransitions lists the allowed next states. Forward skips are allowed
// (incoming calls start alerting, a peer may answer without ringing); only
// Clearing reaches Cleared.
var validTransitions = map[State][]State{
	StateIdle:        {StateSettingUp, StateAlerting, StateClearing},
	StateSettingUp:   {StateAlerting, StateEstablished, StateClearing},
	StateAlerting:    {StateEstablished, StateClearing},
	StateEstablished: {StateClearing},
	StateClearing:    {StateCleared},
	StateCleared:     {},
}

// CanTransitionTo reports whether next is a valid successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is the terminal state.
func (s State) IsTerminal() bool {
	return s == StateCleared
}

// Direction tells who originated a call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)
