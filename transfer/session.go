package transfer

import (
	"github.com/google/uuid"

	"github.com/user/blelink/frame"
)

// Options configure a link session
type Options struct {
	InitialMTU int
	Policy     FailurePolicy
	MaxRetries int
}

// DefaultOptions matches an unnegotiated BLE link
func DefaultOptions() Options {
	return Options{InitialMTU: frame.DefaultMTU, Policy: Stall, MaxRetries: 3}
}

// Session is the per-peer transfer state: one outbound queue and one
// reassembler sharing the negotiated MTU.
type Session struct {
	ID      string
	Address string
	Writer  *Writer
	Reader  *Reader

	initialMTU int
}

// NewSession creates the transfer state for a newly connected peer
func NewSession(address string, write WriteFunc, deliver DeliverFunc, opts Options) (*Session, error) {
	if opts.InitialMTU <= 0 {
		opts.InitialMTU = frame.DefaultMTU
	}
	id := uuid.New().String()
	w, err := NewWriter(id, opts.InitialMTU, write, opts.Policy, opts.MaxRetries)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:         id,
		Address:    address,
		Writer:     w,
		Reader:     NewReader(id, opts.InitialMTU, deliver),
		initialMTU: opts.InitialMTU,
	}, nil
}

// SetMTU applies a negotiated MTU to both directions
func (s *Session) SetMTU(mtu int) {
	s.Writer.SetMTU(mtu)
	s.Reader.SetMTU(mtu)
}

// Reset clears queued frames and partial input and restores the initial MTU
func (s *Session) Reset() {
	s.Writer.Reset()
	s.Reader.Reset()
	s.SetMTU(s.initialMTU)
}
