package central

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/user/blelink/event"
	"github.com/user/blelink/frame"
	"github.com/user/blelink/logger"
	"github.com/user/blelink/transfer"
)

var (
	// ErrNotConnected is returned by Send until the link is ready
	ErrNotConnected = errors.New("central: no connected peripheral")
	// ErrBusy is returned by Scan while a link is being set up or is up
	ErrBusy = errors.New("central: link already active")
)

const prefix = "Central"

// Config selects the GATT service and characteristics of the head unit
type Config struct {
	ServiceUUID          uuid.UUID
	NotificationCharUUID uuid.UUID
	WriteCharUUID        uuid.UUID
	PreferredMTU         int
	Transfer             transfer.Options
	LifecycleLog         bool
}

// Controller owns the BLE link state and the transfer session of the
// tracked peripheral.
type Controller struct {
	mu sync.Mutex

	central   Central
	bus       event.Publisher
	cfg       Config
	lifecycle *LifecycleLog

	state   State
	current *Peripheral
	session *transfer.Session
}

// NewController creates an idle controller
func NewController(c Central, bus event.Publisher, cfg Config) *Controller {
	if cfg.PreferredMTU == 0 {
		cfg.PreferredMTU = frame.PreferredMTU
	}
	if cfg.Transfer.InitialMTU == 0 {
		cfg.Transfer.InitialMTU = frame.DefaultMTU
	}
	return &Controller{
		central:   c,
		bus:       bus,
		cfg:       cfg,
		lifecycle: NewLifecycleLog(cfg.LifecycleLog),
	}
}

// State returns the current link state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peripheral returns the tracked peripheral, if any
func (c *Controller) Peripheral() (Peripheral, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Peripheral{}, false
	}
	return *c.current, true
}

// Session returns the transfer session of the tracked peripheral, or nil
func (c *Controller) Session() *transfer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Run feeds host stack events to Handle until ctx is done or events closes
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ev)
		}
	}
}

// Scan starts discovery for the configured service
func (c *Controller) Scan() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Idle:
	case Scanning:
		return nil
	default:
		return fmt.Errorf("%w (state=%s)", ErrBusy, c.state)
	}
	return c.startScanLocked()
}

func (c *Controller) startScanLocked() error {
	if err := c.central.Scan(c.cfg.ServiceUUID); err != nil {
		c.state = Idle
		logger.Error(prefix, "scan failed: %v", err)
		return fmt.Errorf("central: scan: %w", err)
	}
	c.setStateLocked(Scanning)
	c.logLocked("scan_started", "", nil)
	logger.Info(prefix, "scanning for service %s", c.cfg.ServiceUUID)
	return nil
}

// Disconnect cancels scanning or the tracked connection and drops the
// session. Scanning is not restarted.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Scanning {
		if err := c.central.StopScan(); err != nil {
			logger.Warn(prefix, "stop scan: %v", err)
		}
	}
	if c.current != nil {
		logger.Info(prefix, "disconnecting from %s", c.current.Address)
		if err := c.central.CancelConnection(c.current.Address); err != nil {
			logger.Warn(prefix, "cancel connection %s: %v", c.current.Address, err)
		}
		c.logLocked("disconnect_requested", c.current.Address, nil)
	}
	c.dropSessionLocked()
	c.setStateLocked(Idle)
}

// Send queues message for the tracked peripheral. Messages are only
// accepted once the link is Ready.
func (c *Controller) Send(message []byte) error {
	c.mu.Lock()
	s, state := c.session, c.state
	c.mu.Unlock()

	if s == nil || state != Ready {
		return ErrNotConnected
	}
	return s.Writer.Enqueue(message)
}

// Handle applies one host stack event
func (c *Controller) Handle(ev Event) {
	logger.Trace(prefix, "event %s from %s", ev.Kind, ev.Peripheral.Address)

	switch ev.Kind {
	case Discovered:
		c.onDiscovered(ev.Peripheral)
	case Connected:
		c.onConnected(ev.Peripheral)
	case ConnectFailed:
		c.onConnectFailed(ev.Peripheral, ev.Err)
	case Disconnected:
		c.onDisconnected(ev.Peripheral)
	case ServicesDiscovered:
		c.onServicesDiscovered(ev.Peripheral, ev.Err)
	case MTUChanged:
		c.onMTUChanged(ev.Peripheral, ev.MTU, ev.Err)
	case NotifyStateChanged:
		c.onNotifyStateChanged(ev.Peripheral, ev.Characteristic, ev.Err)
	case WriteComplete:
		c.onWriteComplete(ev.Peripheral, ev.Err)
	case Notification:
		c.onNotification(ev.Peripheral, ev.Characteristic, ev.Value)
	default:
		logger.Warn(prefix, "unknown event kind %d", int(ev.Kind))
	}
}

func (c *Controller) onDiscovered(p Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Scanning {
		logger.Trace(prefix, "ignoring discovery of %s in state %s", p.Address, c.state)
		return
	}

	logger.Info(prefix, "found peripheral %q (%s)", p.Name, p.Address)
	if err := c.central.StopScan(); err != nil {
		logger.Warn(prefix, "stop scan: %v", err)
	}

	peer := p
	c.current = &peer
	c.setStateLocked(Connecting)
	c.logLocked("connect_started", p.Address, nil)

	if err := c.central.Connect(p.Address); err != nil {
		logger.Error(prefix, "connect %s: %v", p.Address, err)
		c.logLocked("connect_failed", p.Address, map[string]string{"error": err.Error()})
		c.current = nil
		c.setStateLocked(Idle)
		_ = c.startScanLocked()
	}
}

func (c *Controller) onConnected(p Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrentLocked(p) {
		logger.Debug(prefix, "tearing down connect of untracked %s", p.Address)
		if err := c.central.CancelConnection(p.Address); err != nil {
			logger.Warn(prefix, "cancel connection %s: %v", p.Address, err)
		}
		return
	}
	if c.state != Connecting {
		logger.Debug(prefix, "ignoring connect of %s in state %s", p.Address, c.state)
		return
	}
	if p.Name != "" {
		c.current.Name = p.Name
	}

	addr := p.Address
	s, err := transfer.NewSession(addr, c.writeFunc(addr), c.deliver, c.cfg.Transfer)
	if err != nil {
		logger.Error(prefix, "create session for %s: %v", addr, err)
		c.abortLocked(addr)
		return
	}
	c.session = s
	logger.Info(prefix, "connected to %q (%s), session %s", c.current.Name, addr, logger.ShortID(s.ID))
	c.logLocked("connect_completed", addr, nil)
	c.bus.Publish(event.Connected(c.current.Name, addr))

	if err := c.central.DiscoverServices(addr, c.cfg.ServiceUUID); err != nil {
		logger.Error(prefix, "discover services on %s: %v", addr, err)
		c.abortLocked(addr)
	}
}

func (c *Controller) onConnectFailed(p Peripheral, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrentLocked(p) {
		return
	}
	logger.Error(prefix, "connection to %q (%s) failed: %v", p.Name, p.Address, err)
	details := map[string]string{}
	if err != nil {
		details["error"] = err.Error()
	}
	c.logLocked("connect_failed", p.Address, details)
	c.dropSessionLocked()
	c.setStateLocked(Idle)
	_ = c.startScanLocked()
}

func (c *Controller) onDisconnected(p Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrentLocked(p) {
		logger.Debug(prefix, "ignoring disconnect of untracked %s", p.Address)
		return
	}

	logger.Info(prefix, "disconnected from %s", p.Address)
	c.logLocked("disconnected", p.Address, nil)
	c.dropSessionLocked()
	c.setStateLocked(Idle)
	c.bus.Publish(event.Disconnected(p.Address))
	_ = c.startScanLocked()
}

func (c *Controller) onServicesDiscovered(p Peripheral, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrentLocked(p) || c.session == nil {
		return
	}
	if err != nil {
		logger.Error(prefix, "service discovery on %s failed: %v", p.Address, err)
		c.abortLocked(p.Address)
		return
	}

	c.session.Reset()
	c.setStateLocked(ServicesReady)
	c.logLocked("services_discovered", p.Address, nil)

	if err := c.central.RequestMTU(p.Address, c.cfg.PreferredMTU); err != nil {
		logger.Warn(prefix, "request mtu %d on %s: %v, keeping %d", c.cfg.PreferredMTU, p.Address, err, c.session.Writer.MTU())
		c.subscribeLocked(p.Address)
	}
}

func (c *Controller) onMTUChanged(p Peripheral, mtu int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrentLocked(p) || c.session == nil || c.state != ServicesReady {
		return
	}
	if err == nil && mtu > 0 {
		c.session.SetMTU(mtu)
		logger.Info(prefix, "mtu for %s negotiated to %d", p.Address, mtu)
	} else {
		logger.Warn(prefix, "mtu negotiation on %s failed: %v, keeping %d", p.Address, err, c.session.Writer.MTU())
	}
	c.subscribeLocked(p.Address)
}

func (c *Controller) subscribeLocked(addr string) {
	c.setStateLocked(MTUNegotiated)
	c.logLocked("mtu_changed", addr, nil)
	if err := c.central.SetNotify(addr, c.cfg.ServiceUUID, c.cfg.NotificationCharUUID, true); err != nil {
		logger.Error(prefix, "enable notifications on %s: %v", addr, err)
		c.abortLocked(addr)
	}
}

// abortLocked cancels a link that cannot become ready. The stack's
// disconnect callback then resets the session and restarts scanning.
func (c *Controller) abortLocked(addr string) {
	c.logLocked("setup_failed", addr, nil)
	if err := c.central.CancelConnection(addr); err != nil {
		logger.Warn(prefix, "cancel connection %s: %v", addr, err)
	}
}

func (c *Controller) onNotifyStateChanged(p Peripheral, char uuid.UUID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrentLocked(p) || c.state != MTUNegotiated || char != c.cfg.NotificationCharUUID {
		return
	}
	if err != nil {
		logger.Error(prefix, "notifications on %s not enabled: %v", p.Address, err)
		c.abortLocked(p.Address)
		return
	}
	c.setStateLocked(Ready)
	c.logLocked("ready", p.Address, nil)
	logger.Info(prefix, "link to %s ready", p.Address)
	c.bus.Publish(event.Event{Kind: event.LinkReady, Name: c.current.Name, Address: p.Address})
}

func (c *Controller) onWriteComplete(p Peripheral, err error) {
	s := c.sessionFor(p)
	if s == nil {
		return
	}
	if err != nil {
		s.Writer.OnWriteFailed(err)
		return
	}
	s.Writer.OnWriteAccepted()
}

func (c *Controller) onNotification(p Peripheral, char uuid.UUID, value []byte) {
	if char != c.cfg.NotificationCharUUID {
		return
	}
	s := c.sessionFor(p)
	if s == nil {
		return
	}
	_ = s.Reader.OnFrame(value)
}

func (c *Controller) sessionFor(p Peripheral) *transfer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(p) {
		return nil
	}
	return c.session
}

func (c *Controller) writeFunc(addr string) transfer.WriteFunc {
	return func(raw []byte) error {
		return c.central.WriteCharacteristic(addr, c.cfg.ServiceUUID, c.cfg.WriteCharUUID, raw)
	}
}

func (c *Controller) deliver(message []byte) {
	c.bus.Publish(event.Received(message))
}

func (c *Controller) isCurrentLocked(p Peripheral) bool {
	return c.current != nil && c.current.Address == p.Address
}

func (c *Controller) dropSessionLocked() {
	if c.session != nil {
		c.session.Reset()
	}
	c.session = nil
	c.current = nil
}

func (c *Controller) setStateLocked(s State) {
	if c.state != s {
		logger.Debug(prefix, "state %s -> %s", c.state, s)
	}
	c.state = s
}

func (c *Controller) logLocked(name, addr string, details map[string]string) {
	ev := LinkEvent{Event: name, Address: addr, State: c.state.String(), Details: details}
	if c.session != nil {
		ev.SessionID = c.session.ID
		ev.MTU = c.session.Writer.MTU()
		if ev.Details == nil {
			ev.Details = map[string]string{}
		}
		ev.Details["pending"] = strconv.Itoa(c.session.Writer.Pending())
	}
	c.lifecycle.Log(ev)
}
