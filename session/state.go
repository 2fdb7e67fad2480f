package session

// State is the lifecycle state of a session.
type State int32

const (
	// StateUninitialized is the state before the initialize request.
	StateUninitialized State = iota
	// StateInitializing covers the handshake in flight: a client awaiting the
	// initialize result, or a server awaiting notifications/initialized.
	StateInitializing
	// StateReady accepts all traffic.
	StateReady
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
