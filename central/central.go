// Package central drives the BLE central side of the link: scan for the
// head unit service, connect, negotiate the MTU, subscribe to
// notifications, and relay frames through a transfer.Session.
package central

import (
	"fmt"

	"github.com/google/uuid"
)

// Peripheral identifies a remote GATT server
type Peripheral struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Central is the host BLE stack as seen by the controller. Every method
// only starts an operation; results arrive later as Events on the channel
// passed to Controller.Run. Implementations must not deliver events
// synchronously from inside these calls.
type Central interface {
	Scan(service uuid.UUID) error
	StopScan() error
	Connect(address string) error
	CancelConnection(address string) error
	DiscoverServices(address string, service uuid.UUID) error
	RequestMTU(address string, mtu int) error
	SetNotify(address string, service, characteristic uuid.UUID, enable bool) error
	WriteCharacteristic(address string, service, characteristic uuid.UUID, value []byte) error
}

// EventKind classifies a host stack callback
type EventKind int

const (
	Discovered EventKind = iota
	Connected
	ConnectFailed
	Disconnected
	ServicesDiscovered
	MTUChanged
	NotifyStateChanged
	WriteComplete
	Notification
)

func (k EventKind) String() string {
	switch k {
	case Discovered:
		return "discovered"
	case Connected:
		return "connected"
	case ConnectFailed:
		return "connect_failed"
	case Disconnected:
		return "disconnected"
	case ServicesDiscovered:
		return "services_discovered"
	case MTUChanged:
		return "mtu_changed"
	case NotifyStateChanged:
		return "notify_state_changed"
	case WriteComplete:
		return "write_complete"
	case Notification:
		return "notification"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one host stack callback. Err is set when the operation failed.
type Event struct {
	Kind           EventKind
	Peripheral     Peripheral
	MTU            int
	Characteristic uuid.UUID
	Value          []byte
	Err            error
}
