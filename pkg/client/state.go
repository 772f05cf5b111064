package client

// State is the peer's position in the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateReady
	StateReconnecting
	// StateFailed is terminal: a fatal rejection or exhausted reconnects.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
