// Package relay connects the link controllers to the native side through
// the control event bus. It holds no link state of its own.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/user/blelink/classic"
	"github.com/user/blelink/event"
	"github.com/user/blelink/logger"
)

const prefix = "Relay"

// ErrNoLink is returned when a message is sent with no link up
var ErrNoLink = errors.New("relay: no active link")

// BLELink is the part of central.Controller the relay drives
type BLELink interface {
	Scan() error
	Disconnect()
	Send(message []byte) error
}

// ClassicLink is the part of classic.Handler the relay drives
type ClassicLink interface {
	Listen() error
	StartDiscovery() error
	Disconnect()
	Write(message []byte) error
	State() classic.State
}

// Native is the transport adapter towards the head unit software.
// Messages coming from the native side are published by the adapter as
// SendMessage events.
type Native interface {
	// Open prepares the control channel
	Open(ctx context.Context) error
	// EstablishConnection opens the data channels once a link is ready
	EstablishConnection() error
	// Forward hands a reassembled mobile message to the native side
	Forward(message []byte) error
	// SendControl hands a control envelope to the native side
	SendControl(envelope []byte) error
	// CloseConnection closes the data channels after a peer left
	CloseConnection() error
	Close() error
}

type mode int

const (
	modeBLE mode = iota
	modeClassic
)

// Options tune the relay
type Options struct {
	// ScanDelay separates StartLink from the first BeginScan
	ScanDelay time.Duration
	// AutoStart publishes StartLink once Run is subscribed
	AutoStart bool
}

// Relay routes control events between the bus, the links and the native side
type Relay struct {
	bus     *event.Bus
	ble     BLELink
	classic ClassicLink
	native  Native
	opts    Options

	mu   sync.Mutex
	mode mode
	wg   sync.WaitGroup
}

// New creates a relay. classicLink may be nil when no fallback is available.
func New(bus *event.Bus, ble BLELink, classicLink ClassicLink, native Native, opts Options) *Relay {
	return &Relay{bus: bus, ble: ble, classic: classicLink, native: native, opts: opts}
}

// Run processes bus events until ctx is done, then tears both links down
// as a StopLink would.
func (r *Relay) Run(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(
		event.StartLink,
		event.BeginScan,
		event.StopLink,
		event.StartClassicFallback,
		event.LinkReady,
		event.DeviceConnected,
		event.DeviceDisconnected,
		event.MessageReceived,
		event.SendMessage,
	)
	defer unsub()
	defer r.wg.Wait()

	if r.opts.AutoStart {
		r.bus.Publish(event.Event{Kind: event.StartLink})
	}

	for {
		select {
		case <-ctx.Done():
			r.handle(context.Background(), event.Event{Kind: event.StopLink})
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Relay) handle(ctx context.Context, e event.Event) {
	logger.Debug(prefix, "%s received", e.Kind)

	switch e.Kind {
	case event.StartLink:
		if err := r.native.Open(ctx); err != nil {
			logger.Error(prefix, "open native adapter: %v", err)
			return
		}
		r.scheduleScan(ctx)

	case event.BeginScan:
		r.setMode(modeBLE)
		if err := r.ble.Scan(); err != nil {
			logger.Error(prefix, "scan: %v", err)
			return
		}
		r.bus.Publish(event.Event{Kind: event.ScanStarted})

	case event.StopLink:
		r.ble.Disconnect()
		if r.classic != nil {
			r.classic.Disconnect()
		}
		if err := r.native.Close(); err != nil {
			logger.Warn(prefix, "close native adapter: %v", err)
		}

	case event.StartClassicFallback:
		if r.classic == nil {
			logger.Warn(prefix, "classic fallback requested but not available")
			return
		}
		r.ble.Disconnect()
		r.setMode(modeClassic)
		if err := r.classic.Listen(); err != nil {
			logger.Warn(prefix, "classic listen: %v", err)
		}
		if err := r.classic.StartDiscovery(); err != nil {
			logger.Error(prefix, "classic discovery: %v", err)
		}

	case event.LinkReady:
		r.establish()

	case event.DeviceConnected:
		env, err := ConnectedEnvelope(e.Name, e.Address)
		if err != nil {
			logger.Error(prefix, "%v", err)
			return
		}
		logger.Info(prefix, "device connected %q (%s)", e.Name, e.Address)
		if err := r.native.SendControl(env); err != nil {
			logger.Error(prefix, "send control: %v", err)
		}
		// Classic links have no separate ready step.
		if r.currentMode() == modeClassic {
			r.establish()
		}

	case event.DeviceDisconnected:
		env, err := DisconnectedEnvelope(e.Address)
		if err != nil {
			logger.Error(prefix, "%v", err)
			return
		}
		logger.Info(prefix, "device disconnected (%s)", e.Address)
		if err := r.native.SendControl(env); err != nil {
			logger.Error(prefix, "send control: %v", err)
		}
		if err := r.native.CloseConnection(); err != nil {
			logger.Warn(prefix, "close native connection: %v", err)
		}

	case event.MessageReceived:
		if err := r.native.Forward(e.Payload); err != nil {
			logger.Error(prefix, "forward %d bytes: %v", len(e.Payload), err)
		}

	case event.SendMessage:
		if err := r.Send(e.Payload); err != nil {
			logger.Error(prefix, "send %d bytes: %v", len(e.Payload), err)
		}
	}
}

// Send writes message on the active link
func (r *Relay) Send(message []byte) error {
	if r.currentMode() == modeClassic && r.classic != nil {
		if r.classic.State() != classic.Connected {
			return ErrNoLink
		}
		return r.classic.Write(message)
	}
	return r.ble.Send(message)
}

func (r *Relay) establish() {
	if err := r.native.EstablishConnection(); err != nil {
		logger.Error(prefix, "establish native connection: %v", err)
	}
}

func (r *Relay) scheduleScan(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.ScanDelay):
		}
		r.bus.Publish(event.Event{Kind: event.BeginScan})
	}()
}

func (r *Relay) setMode(m mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = m
}

func (r *Relay) currentMode() mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}
