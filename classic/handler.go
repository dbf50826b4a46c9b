package classic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/user/blelink/event"
	"github.com/user/blelink/frame"
	"github.com/user/blelink/logger"
	"github.com/user/blelink/transfer"
)

// ErrNotConnected is returned by Write when no session is connected
var ErrNotConnected = errors.New("classic: not connected")

const prefix = "Classic"

// Config of the RFCOMM service
type Config struct {
	ServiceUUID uuid.UUID
	ServiceName string
	// MTU bounds outbound frames the same way the BLE MTU does
	MTU int
	// MaxFrame bounds inbound frames; zero means 4*MTU
	MaxFrame int
}

type attempt struct {
	dev  Device
	sock Socket
}

type session struct {
	conn    Conn
	reader  *transfer.Reader
	writeMu sync.Mutex
}

// Handler is the Classic Bluetooth connection state machine. State and the
// listener, attempt and connected handles share one lock; blocking socket
// calls run outside it and are cancelled by closing the socket.
type Handler struct {
	mu sync.Mutex

	adapter Adapter
	bus     event.Publisher
	cfg     Config

	state    State
	listener Listener
	attempt  *attempt
	conn     *session

	wg sync.WaitGroup
}

// NewHandler creates a handler in state None
func NewHandler(a Adapter, bus event.Publisher, cfg Config) *Handler {
	if cfg.MTU <= 0 {
		cfg.MTU = 1024
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = 4 * cfg.MTU
	}
	return &Handler{adapter: a, bus: bus, cfg: cfg}
}

// State returns the current state
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Peer returns the connected device, if any
func (h *Handler) Peer() (Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return Device{}, false
	}
	return h.conn.conn.Peer(), true
}

// StartDiscovery (re)starts device discovery. State is unchanged; found
// devices arrive through OnDeviceFound.
func (h *Handler) StartDiscovery() error {
	discovering, err := h.adapter.Discovering()
	if err != nil {
		logger.Warn(prefix, "query discovery state: %v", err)
	}
	if discovering {
		logger.Debug(prefix, "discovery already running, restarting")
		if err := h.adapter.CancelDiscovery(); err != nil {
			logger.Warn(prefix, "cancel discovery: %v", err)
		}
	}
	if err := h.adapter.StartDiscovery(); err != nil {
		return fmt.Errorf("classic: start discovery: %w", err)
	}
	logger.Info(prefix, "discovery started")
	return nil
}

// Listen opens the RFCOMM service and accepts incoming connections
func (h *Handler) Listen() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listener != nil {
		return nil
	}
	l, err := h.adapter.Listen(h.cfg.ServiceName, h.cfg.ServiceUUID)
	if err != nil {
		return fmt.Errorf("classic: listen %s: %w", h.cfg.ServiceName, err)
	}
	h.listener = l
	if h.state == None {
		h.setStateLocked(Listening)
	}
	logger.Info(prefix, "listening as %q (%s)", h.cfg.ServiceName, h.cfg.ServiceUUID)

	h.wg.Add(1)
	go h.acceptLoop(l)
	return nil
}

// OnDeviceFound supersedes any attempt or connection with a new attempt
// to dev.
func (h *Handler) OnDeviceFound(dev Device) {
	h.mu.Lock()
	defer h.mu.Unlock()

	logger.Info(prefix, "device found %q (%s)", dev.Name, dev.Address)

	if h.attempt != nil {
		logger.Debug(prefix, "cancelling attempt to %s", h.attempt.dev.Address)
		_ = h.attempt.sock.Close()
		h.attempt = nil
	}
	h.closeSessionLocked()

	sock, err := h.adapter.Dial(dev, h.cfg.ServiceUUID)
	if err != nil {
		logger.Error(prefix, "create socket for %s: %v", dev.Address, err)
		h.setStateLocked(None)
		return
	}
	a := &attempt{dev: dev, sock: sock}
	h.attempt = a
	h.setStateLocked(Connecting)

	h.wg.Add(1)
	go h.connect(a)
}

func (h *Handler) connect(a *attempt) {
	defer h.wg.Done()

	if err := h.adapter.CancelDiscovery(); err != nil {
		logger.Debug(prefix, "cancel discovery: %v", err)
	}

	err := a.sock.Connect()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.attempt != a {
		logger.Debug(prefix, "attempt to %s superseded", a.dev.Address)
		_ = a.sock.Close()
		return
	}
	h.attempt = nil

	if err != nil {
		logger.Warn(prefix, "connect to %s failed: %v", a.dev.Address, err)
		_ = a.sock.Close()
		h.setStateLocked(None)
		return
	}
	h.startSessionLocked(a.sock)
}

func (h *Handler) acceptLoop(l Listener) {
	defer h.wg.Done()

	for {
		c, err := l.Accept()
		if err != nil {
			logger.Debug(prefix, "accept loop stopped: %v", err)
			return
		}

		h.mu.Lock()
		switch h.state {
		case Listening, Connecting:
			if h.attempt != nil {
				_ = h.attempt.sock.Close()
				h.attempt = nil
			}
			h.startSessionLocked(c)
		default:
			logger.Debug(prefix, "closing unwanted connection from %s in state %s", c.Peer().Address, h.state)
			_ = c.Close()
		}
		h.mu.Unlock()
	}
}

func (h *Handler) startSessionLocked(c Conn) {
	peer := c.Peer()
	s := &session{conn: c}
	s.reader = transfer.NewReader(peer.Address, h.cfg.MTU, func(message []byte) {
		h.bus.Publish(event.Received(message))
	})
	h.conn = s

	// One peer at a time: stop accepting once connected.
	if h.listener != nil {
		_ = h.listener.Close()
		h.listener = nil
	}
	h.setStateLocked(Connected)
	logger.Info(prefix, "connected to %q (%s)", peer.Name, peer.Address)
	h.bus.Publish(event.Connected(peer.Name, peer.Address))

	h.wg.Add(1)
	go h.readLoop(s)
}

func (h *Handler) readLoop(s *session) {
	defer h.wg.Done()

	peer := s.conn.Peer()
	for {
		raw, err := frame.ReadStream(s.conn, h.cfg.MaxFrame)
		if errors.Is(err, frame.ErrShortFrame) {
			logger.Warn(prefix, "dropping malformed frame from %s: %v", peer.Address, err)
			continue
		}
		if err != nil {
			h.mu.Lock()
			current := h.conn == s
			if current {
				h.conn = nil
				h.setStateLocked(None)
			}
			h.mu.Unlock()

			_ = s.conn.Close()
			if current {
				logger.Info(prefix, "connection to %s lost: %v", peer.Address, err)
				h.bus.Publish(event.Disconnected(peer.Address))
			}
			return
		}
		_ = s.reader.OnFrame(raw)
	}
}

// Write frames message and writes it to the connected socket on the
// caller's goroutine.
func (h *Handler) Write(message []byte) error {
	h.mu.Lock()
	s := h.conn
	h.mu.Unlock()

	if s == nil {
		return ErrNotConnected
	}

	max, err := frame.MaxPayload(h.cfg.MTU)
	if err != nil {
		return err
	}
	raw, err := frame.Encode(message, max)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, r := range raw {
		if err := frame.WriteStream(s.conn, r); err != nil {
			logger.Error(prefix, "write to %s: %v", s.conn.Peer().Address, err)
			_ = s.conn.Close()
			return fmt.Errorf("classic: write: %w", err)
		}
	}
	logger.Trace(prefix, "wrote %d-byte message as %d frames", len(message), len(raw))
	return nil
}

// Disconnect closes the listener, any attempt and the connected session,
// and returns to None.
func (h *Handler) Disconnect() {
	h.mu.Lock()
	if h.listener != nil {
		_ = h.listener.Close()
		h.listener = nil
	}
	if h.attempt != nil {
		_ = h.attempt.sock.Close()
		h.attempt = nil
	}
	h.closeSessionLocked()
	h.setStateLocked(None)
	h.mu.Unlock()

	if err := h.adapter.CancelDiscovery(); err != nil {
		logger.Debug(prefix, "cancel discovery: %v", err)
	}
}

// Stop disconnects and waits for every loop to exit
func (h *Handler) Stop() {
	h.Disconnect()
	h.wg.Wait()
}

func (h *Handler) closeSessionLocked() {
	if h.conn == nil {
		return
	}
	peer := h.conn.conn.Peer()
	_ = h.conn.conn.Close()
	h.conn = nil
	logger.Debug(prefix, "closed session with %s", peer.Address)
	h.bus.Publish(event.Disconnected(peer.Address))
}

func (h *Handler) setStateLocked(s State) {
	if h.state != s {
		logger.Debug(prefix, "state %s -> %s", h.state, s)
	}
	h.state = s
}
