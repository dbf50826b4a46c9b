package classic

import "fmt"

// State of the Classic link
type State int

const (
	None State = iota
	Listening
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Listening:
		return "listening"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
