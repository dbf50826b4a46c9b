// Package bluez is the Classic Bluetooth host stack on Linux: device
// discovery and the RFCOMM service record go through the BlueZ D-Bus API,
// the sockets themselves through the rfcomm package.
package bluez

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/user/blelink/classic"
	"github.com/user/blelink/logger"
	"github.com/user/blelink/platform/rfcomm"
)

const (
	prefix = "BlueZ"

	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezProfile1     = "org.bluez.Profile1"
	bluezProfileMgr   = "org.bluez.ProfileManager1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	profilePath = dbus.ObjectPath("/org/blelink/profile")
)

// Config of the host adapter
type Config struct {
	// Adapter is the controller name, e.g. "hci0"
	Adapter string
	// Channel is the RFCOMM channel used to dial peers and, when the
	// profile cannot be registered, to listen on
	Channel uint8
}

// Adapter implements classic.Adapter
type Adapter struct {
	cfg         Config
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath

	mu      sync.Mutex
	onFound func(classic.Device)
	signals chan *dbus.Signal
	done    chan struct{}
	profile *profileListener
}

// New connects to the system bus and starts watching for new devices.
// onFound is called for every Classic device BlueZ reports.
func New(cfg Config, onFound func(classic.Device)) (*Adapter, error) {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbus: %w", err)
	}
	a := &Adapter{
		cfg:         cfg,
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
		onFound:     onFound,
		signals:     make(chan *dbus.Signal, 64),
		done:        make(chan struct{}),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusObjectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("failed to add signal match: %w", err)
	}
	conn.Signal(a.signals)
	go a.watch()
	return a, nil
}

// SetOnFound replaces the discovery callback
func (a *Adapter) SetOnFound(fn func(classic.Device)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFound = fn
}

func (a *Adapter) watch() {
	for {
		select {
		case <-a.done:
			return
		case sig, ok := <-a.signals:
			if !ok {
				return
			}
			if sig.Name != dbusObjectManager+".InterfacesAdded" {
				continue
			}
			dev, ok := deviceFromSignal(sig.Body)
			if !ok {
				continue
			}
			a.mu.Lock()
			fn := a.onFound
			a.mu.Unlock()
			logger.Debug(prefix, "device found %q (%s)", dev.Name, dev.Address)
			if fn != nil {
				fn(dev)
			}
		}
	}
}

// deviceFromSignal extracts a Classic device from an InterfacesAdded body
func deviceFromSignal(body []interface{}) (classic.Device, bool) {
	if len(body) < 2 {
		return classic.Device{}, false
	}
	ifaces, ok := body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return classic.Device{}, false
	}
	props, ok := ifaces[bluezDevice1]
	if !ok {
		return classic.Device{}, false
	}
	var dev classic.Device
	if v, ok := props["Address"]; ok {
		dev.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if dev.Address == "" {
		return classic.Device{}, false
	}
	return dev, true
}

func (a *Adapter) adapter() dbus.BusObject {
	return a.conn.Object(bluezBus, a.adapterPath)
}

// StartDiscovery starts BR/EDR inquiry
func (a *Adapter) StartDiscovery() error {
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("bredr"),
	}
	if call := a.adapter().Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("failed to set discovery filter: %w", call.Err)
	}
	if call := a.adapter().Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("failed to start discovery: %w", call.Err)
	}
	return nil
}

func (a *Adapter) CancelDiscovery() error {
	if call := a.adapter().Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("failed to stop discovery: %w", call.Err)
	}
	return nil
}

func (a *Adapter) Discovering() (bool, error) {
	v, err := a.adapter().GetProperty(bluezAdapter1 + ".Discovering")
	if err != nil {
		return false, err
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Discovering type %T", v.Value())
	}
	return on, nil
}

// Listen registers the service record with BlueZ; BlueZ accepts on our
// behalf and hands connected sockets over. When registration is refused
// the channel is bound directly.
func (a *Adapter) Listen(name string, service uuid.UUID) (classic.Listener, error) {
	p, err := a.registerProfile(name, service)
	if err == nil {
		return p, nil
	}
	logger.Warn(prefix, "register profile: %v, binding channel %d", err, a.cfg.Channel)
	l, err := rfcomm.Listen(a.cfg.Channel)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Dial creates a socket towards dev on the configured channel
func (a *Adapter) Dial(dev classic.Device, service uuid.UUID) (classic.Socket, error) {
	s, err := rfcomm.Dial(dev, a.cfg.Channel)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops watching signals and unregisters the profile
func (a *Adapter) Close() error {
	a.mu.Lock()
	p := a.profile
	a.mu.Unlock()
	if p != nil {
		p.Close()
	}
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	a.conn.RemoveSignal(a.signals)
	return nil
}

// profileListener implements org.bluez.Profile1 and classic.Listener
type profileListener struct {
	a     *Adapter
	conns chan classic.Conn
	done  chan struct{}
	once  sync.Once
}

var errListenerClosed = errors.New("bluez: profile listener closed")

func (a *Adapter) registerProfile(name string, service uuid.UUID) (*profileListener, error) {
	p := &profileListener{a: a, conns: make(chan classic.Conn, 1), done: make(chan struct{})}
	if err := a.conn.Export(p, profilePath, bluezProfile1); err != nil {
		return nil, fmt.Errorf("export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(name),
		"Role":                  dbus.MakeVariant("server"),
		"Channel":               dbus.MakeVariant(uint16(a.cfg.Channel)),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	mgr := a.conn.Object(bluezBus, "/org/bluez")
	if call := mgr.Call(bluezProfileMgr+".RegisterProfile", 0, profilePath, service.String(), opts); call.Err != nil {
		_ = a.conn.Export(nil, profilePath, bluezProfile1)
		return nil, call.Err
	}

	a.mu.Lock()
	a.profile = p
	a.mu.Unlock()
	logger.Info(prefix, "registered %q (%s) on channel %d", name, service, a.cfg.Channel)
	return p, nil
}

// NewConnection is called by BlueZ with a connected RFCOMM socket
func (p *profileListener) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	peer := p.a.deviceAt(dev)
	conn, err := rfcomm.FromFD(int(fd), peer)
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	select {
	case p.conns <- conn:
		return nil
	case <-p.done:
		conn.Close()
		return dbus.MakeFailedError(errListenerClosed)
	}
}

func (p *profileListener) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

func (p *profileListener) Release() *dbus.Error { return nil }

func (p *profileListener) Accept() (classic.Conn, error) {
	select {
	case c := <-p.conns:
		return c, nil
	case <-p.done:
		return nil, errListenerClosed
	}
}

func (p *profileListener) Close() error {
	p.once.Do(func() {
		close(p.done)
		mgr := p.a.conn.Object(bluezBus, "/org/bluez")
		mgr.Call(bluezProfileMgr+".UnregisterProfile", 0, profilePath)
		_ = p.a.conn.Export(nil, profilePath, bluezProfile1)

		p.a.mu.Lock()
		if p.a.profile == p {
			p.a.profile = nil
		}
		p.a.mu.Unlock()
	})
	return nil
}

// deviceAt reads Name and Address of a Device1 object
func (a *Adapter) deviceAt(path dbus.ObjectPath) classic.Device {
	obj := a.conn.Object(bluezBus, path)
	var dev classic.Device
	if v, err := obj.GetProperty(bluezDevice1 + ".Address"); err == nil {
		dev.Address, _ = v.Value().(string)
	}
	if v, err := obj.GetProperty(bluezDevice1 + ".Name"); err == nil {
		dev.Name, _ = v.Value().(string)
	}
	return dev
}
