// Package serialport carries a Classic link over an RFCOMM TTY
// (/dev/rfcommN, bound with `rfcomm bind`) instead of a raw socket.
package serialport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"github.com/user/blelink/classic"
	"github.com/user/blelink/logger"
)

const (
	prefix = "Serial"

	// DefaultBaudRate is ignored by RFCOMM TTYs but required by the driver
	DefaultBaudRate = 115200
)

var ErrNotOpen = errors.New("serialport: port not open")

// Adapter wraps a classic.Adapter so outgoing connections open the TTY.
// Discovery and listening still go to the wrapped adapter.
type Adapter struct {
	classic.Adapter
	Device   string
	BaudRate int

	open func(string, *serial.Mode) (serial.Port, error)
}

// Wrap returns an Adapter dialing through device
func Wrap(a classic.Adapter, device string, baud int) *Adapter {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &Adapter{Adapter: a, Device: device, BaudRate: baud, open: serial.Open}
}

// Dial returns a socket whose Connect opens the TTY. The TTY is bound to
// one peer, so dev is only recorded.
func (a *Adapter) Dial(dev classic.Device, service uuid.UUID) (classic.Socket, error) {
	return &Socket{path: a.Device, mode: &serial.Mode{BaudRate: a.BaudRate}, peer: dev, open: a.open}, nil
}

// Socket implements classic.Socket over a serial.Port
type Socket struct {
	path string
	mode *serial.Mode
	peer classic.Device
	open func(string, *serial.Mode) (serial.Port, error)

	mu     sync.Mutex
	port   serial.Port
	closed bool
}

// Connect opens the port. Opening an RFCOMM TTY blocks until the link is up.
func (s *Socket) Connect() error {
	port, err := s.open(s.path, s.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		port.Close()
		return ErrNotOpen
	}
	s.port = port
	logger.Info(prefix, "%s open for %s", s.path, s.peer.Address)
	return nil
}

func (s *Socket) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotOpen
	}
	return s.port, nil
}

func (s *Socket) Read(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (s *Socket) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (s *Socket) Peer() classic.Device { return s.peer }

// Close closes the port, unblocking a pending Read
func (s *Socket) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.closed = true
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}
