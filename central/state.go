package central

import "fmt"

// State of the central link
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	ServicesReady
	MTUNegotiated
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case ServicesReady:
		return "services_discovered"
	case MTUNegotiated:
		return "mtu_negotiated"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
