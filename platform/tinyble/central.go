// Package tinyble implements central.Central on the host Bluetooth stack
// through tinygo.org/x/bluetooth (BlueZ on Linux, CoreBluetooth on macOS,
// WinRT on Windows).
package tinyble

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/user/blelink/central"
	"github.com/user/blelink/frame"
	"github.com/user/blelink/logger"
)

const prefix = "TinyBLE"

var (
	ErrUnknownDevice    = errors.New("tinyble: device was not discovered")
	ErrNotConnected     = errors.New("tinyble: device not connected")
	ErrNoCharacteristic = errors.New("tinyble: characteristic not discovered")
)

type link struct {
	device bluetooth.Device
	chars  map[uuid.UUID]bluetooth.DeviceCharacteristic
}

// Central drives a bluetooth.Adapter and reports results as central.Events
type Central struct {
	adapter *bluetooth.Adapter

	mu     sync.Mutex
	found  map[string]bluetooth.Address
	links  map[string]*link
	seen   map[string]bool
	closed bool

	writer requestWriter

	events chan central.Event
	done   chan struct{}
}

// New enables adapter (bluetooth.DefaultAdapter when nil) and installs the
// connection handler.
func New(adapter *bluetooth.Adapter) (*Central, error) {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth: %w", err)
	}
	c := &Central{
		adapter: adapter,
		found:   make(map[string]bluetooth.Address),
		links:   make(map[string]*link),
		seen:    make(map[string]bool),
		events:  make(chan central.Event, 256),
		done:    make(chan struct{}),
	}
	adapter.SetConnectHandler(c.onConnectionChange)
	return c, nil
}

// Events is the callback stream for central.Controller.Run
func (c *Central) Events() <-chan central.Event {
	return c.events
}

func (c *Central) post(ev central.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// toBT converts between the uuid packages; both use the canonical string
func toBT(u uuid.UUID) bluetooth.UUID {
	id, _ := bluetooth.ParseUUID(u.String())
	return id
}

func fromBT(u bluetooth.UUID) uuid.UUID {
	id, _ := uuid.Parse(u.String())
	return id
}

func (c *Central) onConnectionChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := device.Address.String()
	c.mu.Lock()
	_, ok := c.links[addr]
	delete(c.links, addr)
	c.mu.Unlock()
	c.writer.forget(addr)
	if ok {
		logger.Info(prefix, "%s disconnected", addr)
		c.post(central.Event{Kind: central.Disconnected, Peripheral: central.Peripheral{Address: addr}})
	}
}

// Scan runs adapter.Scan in the background, reporting each device that
// advertises service once per scan.
func (c *Central) Scan(service uuid.UUID) error {
	c.mu.Lock()
	c.seen = make(map[string]bool)
	c.mu.Unlock()

	want := toBT(service)
	go func() {
		err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(want) {
				return
			}
			addr := result.Address.String()
			c.mu.Lock()
			if c.seen[addr] {
				c.mu.Unlock()
				return
			}
			c.seen[addr] = true
			c.found[addr] = result.Address
			c.mu.Unlock()

			logger.Debug(prefix, "found %s %q rssi=%d", addr, result.LocalName(), result.RSSI)
			c.post(central.Event{
				Kind:       central.Discovered,
				Peripheral: central.Peripheral{Name: result.LocalName(), Address: addr},
			})
		})
		if err != nil {
			logger.Warn(prefix, "scan ended: %v", err)
		}
	}()
	return nil
}

func (c *Central) StopScan() error {
	return c.adapter.StopScan()
}

func (c *Central) Connect(address string) error {
	c.mu.Lock()
	addr, ok := c.found[address]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}

	go func() {
		p := central.Peripheral{Address: address}
		device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			c.post(central.Event{Kind: central.ConnectFailed, Peripheral: p, Err: err})
			return
		}
		c.mu.Lock()
		c.links[address] = &link{device: device, chars: make(map[uuid.UUID]bluetooth.DeviceCharacteristic)}
		c.mu.Unlock()
		c.post(central.Event{Kind: central.Connected, Peripheral: p})
	}()
	return nil
}

func (c *Central) CancelConnection(address string) error {
	c.mu.Lock()
	l, ok := c.links[address]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return l.device.Disconnect()
}

func (c *Central) linkFor(address string) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[address]
	if !ok {
		return nil, ErrNotConnected
	}
	return l, nil
}

func (c *Central) characteristic(address string, char uuid.UUID) (bluetooth.DeviceCharacteristic, error) {
	l, err := c.linkFor(address)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := l.chars[char]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, ErrNoCharacteristic
	}
	return ch, nil
}

// DiscoverServices discovers service and all of its characteristics
func (c *Central) DiscoverServices(address string, service uuid.UUID) error {
	l, err := c.linkFor(address)
	if err != nil {
		return err
	}

	go func() {
		p := central.Peripheral{Address: address}
		services, err := l.device.DiscoverServices([]bluetooth.UUID{toBT(service)})
		if err == nil && len(services) == 0 {
			err = fmt.Errorf("service %s not found on %s", service, address)
		}
		if err != nil {
			c.post(central.Event{Kind: central.ServicesDiscovered, Peripheral: p, Err: err})
			return
		}
		chars, err := services[0].DiscoverCharacteristics(nil)
		if err != nil {
			c.post(central.Event{Kind: central.ServicesDiscovered, Peripheral: p, Err: err})
			return
		}
		c.mu.Lock()
		for _, ch := range chars {
			l.chars[fromBT(ch.UUID())] = ch
		}
		c.mu.Unlock()
		logger.Debug(prefix, "%s: %d characteristics", address, len(chars))
		c.post(central.Event{Kind: central.ServicesDiscovered, Peripheral: p})
	}()
	return nil
}

// RequestMTU reports the MTU the host stack negotiated on its own, capped
// at mtu. None of the supported stacks expose an explicit MTU exchange.
func (c *Central) RequestMTU(address string, mtu int) error {
	l, err := c.linkFor(address)
	if err != nil {
		return err
	}

	go func() {
		p := central.Peripheral{Address: address}
		c.mu.Lock()
		var ch bluetooth.DeviceCharacteristic
		var ok bool
		for _, v := range l.chars {
			ch, ok = v, true
			break
		}
		c.mu.Unlock()
		if !ok {
			c.post(central.Event{Kind: central.MTUChanged, Peripheral: p, Err: ErrNoCharacteristic})
			return
		}
		got, err := ch.GetMTU()
		if err != nil {
			c.post(central.Event{Kind: central.MTUChanged, Peripheral: p, Err: err})
			return
		}
		c.post(central.Event{Kind: central.MTUChanged, Peripheral: p, MTU: agreedMTU(mtu, int(got))})
	}()
	return nil
}

func agreedMTU(requested, negotiated int) int {
	if negotiated < frame.DefaultMTU {
		negotiated = frame.DefaultMTU
	}
	if requested < negotiated {
		return requested
	}
	return negotiated
}

func (c *Central) SetNotify(address string, service, char uuid.UUID, enable bool) error {
	ch, err := c.characteristic(address, char)
	if err != nil {
		return err
	}

	go func() {
		p := central.Peripheral{Address: address}
		var cb func([]byte)
		if enable {
			cb = func(value []byte) {
				buf := append([]byte(nil), value...)
				c.post(central.Event{Kind: central.Notification, Peripheral: p, Characteristic: char, Value: buf})
			}
		}
		err := ch.EnableNotifications(cb)
		c.post(central.Event{Kind: central.NotifyStateChanged, Peripheral: p, Characteristic: char, Err: err})
	}()
	return nil
}

// WriteCharacteristic performs an ATT Write Request; completion, and so the
// peer's acknowledgement, arrives as WriteComplete.
func (c *Central) WriteCharacteristic(address string, service, char uuid.UUID, value []byte) error {
	ch, err := c.characteristic(address, char)
	if err != nil {
		return err
	}

	buf := append([]byte(nil), value...)
	go func() {
		err := c.writer.write(address, char, ch, buf)
		c.post(central.Event{
			Kind:           central.WriteComplete,
			Peripheral:     central.Peripheral{Address: address},
			Characteristic: char,
			Err:            err,
		})
	}()
	return nil
}

// Close stops event delivery and disconnects every device
func (c *Central) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := c.links
	c.links = make(map[string]*link)
	c.mu.Unlock()

	close(c.done)
	_ = c.adapter.StopScan()
	var errs []error
	for addr, l := range links {
		c.writer.forget(addr)
		errs = append(errs, l.device.Disconnect())
	}
	return errors.Join(errs...)
}
