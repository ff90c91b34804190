package session

// State is the lifecycle position of a voice session.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateSpeaking
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
