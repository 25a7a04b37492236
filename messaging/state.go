package messaging

// ConnectionState is the backend connection's lifecycle state
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateListener receives connection state change notifications
type StateListener interface {
	OnStateChange(from, to ConnectionState)
}

// StateListenerFunc is a function adapter for StateListener
type StateListenerFunc func(from, to ConnectionState)

// OnStateChange implements StateListener
func (f StateListenerFunc) OnStateChange(from, to ConnectionState) {
	f(from, to)
}
