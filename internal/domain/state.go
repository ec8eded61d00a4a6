package domain

// ConnectionState is the state of one stream connection. It is never persisted.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a connection in this state still owns an in-flight query.
func (s ConnectionState) Busy() bool {
	return s == StateConnecting || s == StateStreaming || s == StateReconnecting
}

// Terminal reports whether the connection has stopped for good.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ManagerStatus is the aggregate status shown to the user.
type ManagerStatus string

const (
	StatusConnected    ManagerStatus = "connected"
	StatusConnecting   ManagerStatus = "connecting"
	StatusDisconnected ManagerStatus = "disconnected"
	StatusDegraded     ManagerStatus = "degraded"
	StatusError        ManagerStatus = "error"
)
