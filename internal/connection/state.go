package connection

import "time"

// State is the lifecycle state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reason explains why a manager is disconnected or closed.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonClientDisconnect Reason = "client disconnect"
	ReasonServerDisconnect Reason = "server disconnect"
	ReasonTransportError   Reason = "transport error"
	ReasonAuthRejected     Reason = "auth rejected"
	ReasonRetriesExhausted Reason = "retries exhausted"
)

// Retryable reports whether the manager schedules a reconnect after a
// disconnect with this reason.
func (r Reason) Retryable() bool {
	return r == ReasonServerDisconnect || r == ReasonTransportError
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	switch to {
	case StateClosed:
		return true
	case StateConnecting:
		return from == StateIdle || from == StateDisconnected
	case StateConnected:
		return from == StateConnecting
	case StateDisconnected:
		return from == StateConnecting || from == StateConnected
	default:
		return false
	}
}

// Status is a snapshot of a manager.
type Status struct {
	Namespace string
	State     State
	Reason    Reason
	Attempts  int
	LastError error
	// NextRetry is the delay of the pending reconnect, zero when none is scheduled.
	NextRetry time.Duration
}

// StateChange is delivered to state listeners for every transition.
type StateChange struct {
	From    State
	To      State
	Reason  Reason
	Err     error
	Attempt int
}
