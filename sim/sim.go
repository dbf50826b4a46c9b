// Package sim is an in-memory BLE stack: a central.Central backed by
// simulated GATT peripherals that exchange MTUs, acknowledge writes and
// push notifications. It drives tests and `blelink --sim`.
package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/blelink/central"
	"github.com/user/blelink/frame"
	"github.com/user/blelink/logger"
	"github.com/user/blelink/transfer"
)

var (
	ErrUnknownPeripheral = errors.New("sim: unknown peripheral")
	ErrNotConnected      = errors.New("sim: peripheral not connected")
	ErrClosed            = errors.New("sim: central closed")
)

const prefix = "Sim"

// Config controls timing and reliability of the simulated radio
type Config struct {
	ConnectionDelay       time.Duration // Default: 30ms
	DiscoveryDelay        time.Duration // Default: 100ms
	WriteDelay            time.Duration // Default: 7.5ms, one connection interval
	ConnectionFailureRate float64       // Default: 0
	WriteFailureRate      float64       // Default: 0

	// Deterministic mode for testing
	Deterministic bool
	Seed          int64
}

// DefaultConfig returns timing close to a phone talking to a head unit
func DefaultConfig() *Config {
	return &Config{
		ConnectionDelay: 30 * time.Millisecond,
		DiscoveryDelay:  100 * time.Millisecond,
		WriteDelay:      7500 * time.Microsecond,
	}
}

// InstantConfig removes every delay; used by tests
func InstantConfig() *Config {
	return &Config{Deterministic: true, Seed: 1}
}

// Peripheral describes a simulated GATT server
type Peripheral struct {
	Name       string
	Address    string
	Service    uuid.UUID
	NotifyChar uuid.UUID
	WriteChar  uuid.UUID
	MaxMTU     int  // Default: 512
	RejectMTU  bool // MTU exchange fails
	Echo       bool // send every received message back
	OnMessage  func(message []byte)
}

type peripheralState struct {
	info      Peripheral
	connected bool
	notifying bool
	mtu       int
	reader    *transfer.Reader
}

type queued struct {
	ev    central.Event
	delay time.Duration
}

// Central implements central.Central over simulated peripherals
type Central struct {
	mu          sync.Mutex
	cfg         *Config
	rng         *rand.Rand
	peripherals map[string]*peripheralState
	scanning    bool
	scanFor     uuid.UUID
	closed      bool

	qmu    sync.Mutex
	queue  []queued
	wake   chan struct{}
	done   chan struct{}
	events chan central.Event
}

// NewCentral starts a simulated stack. Events must be drained from Events.
func NewCentral(cfg *Config) *Central {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	seed := time.Now().UnixNano()
	if cfg.Deterministic {
		seed = cfg.Seed
	}
	c := &Central{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(seed)),
		peripherals: make(map[string]*peripheralState),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		events:      make(chan central.Event),
	}
	go c.dispatch()
	return c
}

// Events is the callback stream for central.Controller.Run
func (c *Central) Events() <-chan central.Event {
	return c.events
}

// AddPeripheral registers a peripheral in radio range
func (c *Central) AddPeripheral(p Peripheral) {
	if p.MaxMTU == 0 {
		p.MaxMTU = frame.PreferredMTU
	}
	state := &peripheralState{info: p, mtu: frame.DefaultMTU}
	state.reader = transfer.NewReader("sim-"+p.Address, frame.DefaultMTU, func(message []byte) {
		c.onPeripheralMessage(p.Address, message)
	})

	c.mu.Lock()
	c.peripherals[p.Address] = state
	scanning, service := c.scanning, c.scanFor
	c.mu.Unlock()

	if scanning && service == p.Service {
		c.post(central.Event{Kind: central.Discovered, Peripheral: info(p)}, c.cfg.DiscoveryDelay)
	}
}

func info(p Peripheral) central.Peripheral {
	return central.Peripheral{Name: p.Name, Address: p.Address}
}

func (c *Central) Scan(service uuid.UUID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.scanning = true
	c.scanFor = service
	var found []Peripheral
	for _, p := range c.peripherals {
		if p.info.Service == service && !p.connected {
			found = append(found, p.info)
		}
	}
	c.mu.Unlock()

	logger.Debug(prefix, "scan for %s, %d in range", service, len(found))
	for _, p := range found {
		c.post(central.Event{Kind: central.Discovered, Peripheral: info(p)}, c.cfg.DiscoveryDelay)
	}
	return nil
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanning = false
	return nil
}

func (c *Central) Connect(address string) error {
	c.mu.Lock()
	p, ok := c.peripherals[address]
	fail := c.cfg.ConnectionFailureRate > 0 && c.rng.Float64() < c.cfg.ConnectionFailureRate
	if ok && !fail {
		p.connected = true
		p.mtu = frame.DefaultMTU
		p.notifying = false
	}
	c.mu.Unlock()

	if !ok {
		c.post(central.Event{Kind: central.ConnectFailed, Peripheral: central.Peripheral{Address: address}, Err: ErrUnknownPeripheral}, 0)
		return nil
	}
	p.reader.Reset()
	if fail {
		c.post(central.Event{Kind: central.ConnectFailed, Peripheral: info(p.info), Err: errors.New("sim: connection failed")}, c.cfg.ConnectionDelay)
		return nil
	}
	c.post(central.Event{Kind: central.Connected, Peripheral: info(p.info)}, c.cfg.ConnectionDelay)
	return nil
}

func (c *Central) CancelConnection(address string) error {
	return c.disconnect(address)
}

// Drop simulates the peripheral going out of range
func (c *Central) Drop(address string) error {
	return c.disconnect(address)
}

func (c *Central) disconnect(address string) error {
	c.mu.Lock()
	p, ok := c.peripherals[address]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownPeripheral
	}
	was := p.connected
	p.connected = false
	p.notifying = false
	c.mu.Unlock()

	if was {
		p.reader.Reset()
		c.post(central.Event{Kind: central.Disconnected, Peripheral: info(p.info)}, 0)
	}
	return nil
}

func (c *Central) connected(address string) (*peripheralState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peripherals[address]
	if !ok {
		return nil, ErrUnknownPeripheral
	}
	if !p.connected {
		return nil, ErrNotConnected
	}
	return p, nil
}

func (c *Central) DiscoverServices(address string, service uuid.UUID) error {
	p, err := c.connected(address)
	if err != nil {
		return err
	}
	var evErr error
	if p.info.Service != service {
		evErr = fmt.Errorf("sim: service %s not found", service)
	}
	c.post(central.Event{Kind: central.ServicesDiscovered, Peripheral: info(p.info), Err: evErr}, 0)
	return nil
}

// RequestMTU settles on min(requested, peripheral max) like an ATT
// Exchange MTU.
func (c *Central) RequestMTU(address string, mtu int) error {
	p, err := c.connected(address)
	if err != nil {
		return err
	}
	if p.info.RejectMTU {
		c.post(central.Event{Kind: central.MTUChanged, Peripheral: info(p.info), Err: errors.New("sim: mtu exchange rejected")}, 0)
		return nil
	}
	agreed := mtu
	if p.info.MaxMTU < agreed {
		agreed = p.info.MaxMTU
	}
	c.mu.Lock()
	p.mtu = agreed
	c.mu.Unlock()
	p.reader.SetMTU(agreed)
	c.post(central.Event{Kind: central.MTUChanged, Peripheral: info(p.info), MTU: agreed}, 0)
	return nil
}

func (c *Central) SetNotify(address string, service, char uuid.UUID, enable bool) error {
	p, err := c.connected(address)
	if err != nil {
		return err
	}
	var evErr error
	if char != p.info.NotifyChar {
		evErr = fmt.Errorf("sim: characteristic %s does not notify", char)
	} else {
		c.mu.Lock()
		p.notifying = enable
		c.mu.Unlock()
	}
	c.post(central.Event{Kind: central.NotifyStateChanged, Peripheral: info(p.info), Characteristic: char, Err: evErr}, 0)
	return nil
}

// WriteCharacteristic is a write with response: the peripheral consumes
// the frame and the ack arrives as a WriteComplete event.
func (c *Central) WriteCharacteristic(address string, service, char uuid.UUID, value []byte) error {
	p, err := c.connected(address)
	if err != nil {
		return err
	}

	c.mu.Lock()
	mtu := p.mtu
	fail := c.cfg.WriteFailureRate > 0 && c.rng.Float64() < c.cfg.WriteFailureRate
	c.mu.Unlock()

	ev := central.Event{Kind: central.WriteComplete, Peripheral: info(p.info), Characteristic: char}
	switch {
	case char != p.info.WriteChar:
		ev.Err = fmt.Errorf("sim: characteristic %s not writable", char)
	case len(value) > mtu-frame.ATTOverhead:
		ev.Err = fmt.Errorf("sim: write of %d bytes exceeds mtu %d", len(value), mtu)
	case fail:
		ev.Err = errors.New("sim: write lost")
	default:
		buf := append([]byte(nil), value...)
		_ = p.reader.OnFrame(buf)
	}
	c.post(ev, c.cfg.WriteDelay)
	return nil
}

// Notify sends message from the peripheral to the central, framed at the
// negotiated MTU.
func (c *Central) Notify(address string, message []byte) error {
	p, err := c.connected(address)
	if err != nil {
		return err
	}
	c.mu.Lock()
	mtu, notifying := p.mtu, p.notifying
	c.mu.Unlock()
	if !notifying {
		return fmt.Errorf("sim: notifications disabled on %s", address)
	}

	max, err := frame.MaxPayload(mtu)
	if err != nil {
		return err
	}
	raw, err := frame.Encode(message, max)
	if err != nil {
		return err
	}
	for _, r := range raw {
		c.post(central.Event{Kind: central.Notification, Peripheral: info(p.info), Characteristic: p.info.NotifyChar, Value: r}, c.cfg.WriteDelay)
	}
	return nil
}

func (c *Central) onPeripheralMessage(address string, message []byte) {
	c.mu.Lock()
	p := c.peripherals[address]
	c.mu.Unlock()
	if p == nil {
		return
	}

	logger.Debug(prefix, "%s received %d-byte message", address, len(message))
	if p.info.OnMessage != nil {
		p.info.OnMessage(message)
	}
	if p.info.Echo {
		if err := c.Notify(address, message); err != nil {
			logger.Warn(prefix, "echo from %s: %v", address, err)
		}
	}
}

// Close stops event delivery
func (c *Central) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	return nil
}

func (c *Central) post(ev central.Event, delay time.Duration) {
	c.qmu.Lock()
	c.queue = append(c.queue, queued{ev: ev, delay: delay})
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events in order, each after its delay
func (c *Central) dispatch() {
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		q := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		if q.delay > 0 {
			select {
			case <-time.After(q.delay):
			case <-c.done:
				return
			}
		}
		select {
		case c.events <- q.ev:
		case <-c.done:
			return
		}
	}
}
