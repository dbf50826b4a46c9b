//go:build linux

package rfcomm

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/user/blelink/classic"
)

// Conn is a connected RFCOMM socket
type Conn struct {
	fd   int
	peer classic.Device

	mu     sync.Mutex
	closed bool
}

// FromFD wraps an already connected socket, e.g. one handed over by BlueZ
func FromFD(fd int, peer classic.Device) (*Conn, error) {
	return &Conn{fd: fd, peer: peer}, nil
}

func (c *Conn) Peer() classic.Device { return c.peer }

func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			if c.isClosed() {
				return 0, ErrClosed
			}
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if c.isClosed() {
				return written, ErrClosed
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the socket down and releases it. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	return unix.Close(c.fd)
}

// Socket is an outgoing connection attempt
type Socket struct {
	*Conn
	sa unix.SockaddrRFCOMM
}

// Dial creates a socket towards dev on channel. Nothing is sent until
// Connect.
func Dial(dev classic.Device, channel uint8) (*Socket, error) {
	addr, err := parseAddr(dev.Address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	return &Socket{
		Conn: &Conn{fd: fd, peer: dev},
		sa:   unix.SockaddrRFCOMM{Addr: addr, Channel: channel},
	}, nil
}

// Connect blocks until the peer accepts or the socket is closed
func (s *Socket) Connect() error {
	if err := unix.Connect(s.fd, &s.sa); err != nil {
		if s.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("rfcomm connect %s ch%d: %w", s.peer.Address, s.sa.Channel, err)
	}
	return nil
}

// Listener is a bound RFCOMM server socket
type Listener struct {
	*Conn
	channel uint8
}

// Listen binds channel on any local adapter
func Listen(channel uint8) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: channel}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm bind ch%d: %w", channel, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm listen: %w", err)
	}
	return &Listener{Conn: &Conn{fd: fd}, channel: channel}, nil
}

// Accept blocks until a peer connects or the listener is closed
func (l *Listener) Accept() (classic.Conn, error) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if l.isClosed() {
				return nil, ErrClosed
			}
			return nil, err
		}
		peer := classic.Device{}
		if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
			peer.Address = formatAddr(rc.Addr)
		}
		return &Conn{fd: nfd, peer: peer}, nil
	}
}

// Channel is the bound channel
func (l *Listener) Channel() uint8 { return l.channel }
