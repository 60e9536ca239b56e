package types

// RelayState is a relay connection's position in its lifecycle
type RelayState int

const (
	RelayDisconnected RelayState = iota
	RelayConnecting
	RelayConnected
	RelayBackoff
)

func (s RelayState) String() string {
	switch s {
	case RelayDisconnected:
		return "disconnected"
	case RelayConnecting:
		return "connecting"
	case RelayConnected:
		return "connected"
	case RelayBackoff:
		return "backoff"
	}
	return "unknown"
}

// RelayStatus is a point-in-time snapshot of one relay connection
type RelayStatus struct {
	URL        string     `json:"url"`
	State      RelayState `json:"-"`
	StateName  string     `json:"state"`
	LastError  string     `json:"last_error,omitempty"`
	RetryCount int        `json:"retry_count"`
}
