// Package localsock talks to the head unit software over three local
// sockets: reader (mobile to native messages), writer (native to mobile
// messages) and control (connection envelopes). The sockets are
// SOCK_SEQPACKET so every read returns exactly one message.
package localsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/user/blelink/event"
	"github.com/user/blelink/logger"
	"github.com/user/blelink/util"
)

const (
	prefix  = "LocalSock"
	network = "unixpacket"
)

var (
	ErrNotOpen         = errors.New("localsock: control socket not open")
	ErrNotEstablished  = errors.New("localsock: data sockets not connected")
	ErrMessageTooLarge = errors.New("localsock: message exceeds buffer size")
)

// Config holds the socket addresses. Relative addresses are resolved
// against the data directory's socket dir.
type Config struct {
	ReaderSocket  string
	ControlSocket string
	WriterSocket  string
	BufferSize    int
}

// Adapter implements relay.Native over local sockets
type Adapter struct {
	cfg Config
	bus event.Publisher

	mu      sync.Mutex
	control net.Conn
	reader  net.Conn
	writer  net.Conn

	wg sync.WaitGroup
}

// New creates an adapter. Nothing is dialed until Open.
func New(cfg Config, bus event.Publisher) *Adapter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 131072
	}
	return &Adapter{cfg: cfg, bus: bus}
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	path, err := util.ResolveSocketPath(addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return conn, nil
}

// Open connects the control socket
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.control != nil {
		return nil
	}
	conn, err := dial(ctx, a.cfg.ControlSocket)
	if err != nil {
		return err
	}
	a.control = conn
	logger.Info(prefix, "control socket open (%s)", conn.RemoteAddr())
	return nil
}

// EstablishConnection connects the reader and writer sockets and starts
// reading native messages from the writer socket. Calling it while already
// connected is a no-op.
func (a *Adapter) EstablishConnection() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reader != nil && a.writer != nil {
		return nil
	}

	ctx := context.Background()
	reader, err := dial(ctx, a.cfg.ReaderSocket)
	if err != nil {
		return err
	}
	writer, err := dial(ctx, a.cfg.WriterSocket)
	if err != nil {
		reader.Close()
		return err
	}
	a.reader, a.writer = reader, writer

	a.wg.Add(1)
	go a.readLoop(writer)
	logger.Info(prefix, "data sockets connected")
	return nil
}

func (a *Adapter) readLoop(conn net.Conn) {
	defer a.wg.Done()
	buf := make([]byte, a.cfg.BufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			logger.Debug(prefix, "writer socket read stopped: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		message := make([]byte, n)
		copy(message, buf[:n])
		logger.Trace(prefix, "native message, %d bytes", n)
		a.bus.Publish(event.Send(message))
	}
}

// Forward writes a reassembled mobile message to the reader socket
func (a *Adapter) Forward(message []byte) error {
	a.mu.Lock()
	conn := a.reader
	a.mu.Unlock()
	if conn == nil {
		return ErrNotEstablished
	}
	return a.write(conn, message)
}

// SendControl writes a control envelope to the control socket
func (a *Adapter) SendControl(envelope []byte) error {
	a.mu.Lock()
	conn := a.control
	a.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	return a.write(conn, envelope)
}

func (a *Adapter) write(conn net.Conn, message []byte) error {
	if len(message) > a.cfg.BufferSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(message), a.cfg.BufferSize)
	}
	_, err := conn.Write(message)
	return err
}

// CloseConnection closes the reader and writer sockets and waits for the
// read loop to exit.
func (a *Adapter) CloseConnection() error {
	a.mu.Lock()
	reader, writer := a.reader, a.writer
	a.reader, a.writer = nil, nil
	a.mu.Unlock()

	var errs []error
	if reader != nil {
		errs = append(errs, reader.Close())
	}
	if writer != nil {
		errs = append(errs, writer.Close())
	}
	a.wg.Wait()
	return errors.Join(errs...)
}

// Close closes every socket
func (a *Adapter) Close() error {
	err := a.CloseConnection()

	a.mu.Lock()
	control := a.control
	a.control = nil
	a.mu.Unlock()
	if control != nil {
		err = errors.Join(err, control.Close())
	}
	return err
}
