//go:build linux

package tinyble

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

const (
	bluezBus        = "org.bluez"
	gattChar1       = "org.bluez.GattCharacteristic1"
	getManagedObjs  = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	writeTypeOption = "type"
)

// requestWriter performs ATT Write Requests through BlueZ. The Linux
// backend of tinygo bluetooth only offers write-without-response, which
// never reports the peer's acknowledgement.
type requestWriter struct {
	mu    sync.Mutex
	conn  *dbus.Conn
	paths map[string]dbus.ObjectPath
}

func (w *requestWriter) write(address string, char uuid.UUID, _ bluetooth.DeviceCharacteristic, value []byte) error {
	conn, path, err := w.resolve(address, char)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{writeTypeOption: dbus.MakeVariant("request")}
	if call := conn.Object(bluezBus, path).Call(gattChar1+".WriteValue", 0, value, opts); call.Err != nil {
		return fmt.Errorf("write %s: %w", char, call.Err)
	}
	return nil
}

func (w *requestWriter) resolve(address string, char uuid.UUID) (*dbus.Conn, dbus.ObjectPath, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		conn, err := dbus.SystemBus()
		if err != nil {
			return nil, "", fmt.Errorf("dbus: %w", err)
		}
		w.conn = conn
		w.paths = make(map[string]dbus.ObjectPath)
	}
	key := address + "/" + char.String()
	if p, ok := w.paths[key]; ok {
		return w.conn, p, nil
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := w.conn.Object(bluezBus, "/").Call(getManagedObjs, 0).Store(&objects); err != nil {
		return nil, "", fmt.Errorf("list bluez objects: %w", err)
	}
	p, ok := characteristicPath(objects, address, char)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s on %s", ErrNoCharacteristic, char, address)
	}
	w.paths[key] = p
	return w.conn, p, nil
}

func (w *requestWriter) forget(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.paths {
		if strings.HasPrefix(key, address+"/") {
			delete(w.paths, key)
		}
	}
}

// characteristicPath finds the GattCharacteristic1 object for char below
// the BlueZ device object of address (".../dev_AA_BB_CC_DD_EE_FF/...").
func characteristicPath(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, address string, char uuid.UUID) (dbus.ObjectPath, bool) {
	dev := "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_") + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[gattChar1]
		if !ok || !strings.Contains(string(path), dev) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if s, _ := v.Value().(string); strings.EqualFold(s, char.String()) {
			return path, true
		}
	}
	return "", false
}
