package connection

import "fmt"

// State is the transport lifecycle state. Only the transport session writes
// it; protocol and session logic observe it through OnStateChange.
type State int

const (
	StateUnknown State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// validateTransitionTo enforces the strict lifecycle machine:
// disconnected -> connecting -> connected, connected -> reconnecting ->
// connected on transient loss, any active state -> error/failed on an
// unrecoverable fault, and error/failed -> disconnected only when a caller
// explicitly retries.
func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateDisconnected:
		if newState == StateConnecting {
			return nil
		}
	case StateConnecting:
		switch newState {
		case StateConnected, StateDisconnected, StateError, StateFailed:
			return nil
		}
	case StateConnected:
		switch newState {
		case StateReconnecting, StateDisconnected, StateError, StateFailed:
			return nil
		}
	case StateReconnecting:
		switch newState {
		case StateConnected, StateDisconnected, StateError, StateFailed:
			return nil
		}
	case StateError, StateFailed:
		if newState == StateDisconnected {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
