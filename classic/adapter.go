// Package classic runs the Classic Bluetooth (RFCOMM) fallback link: device
// discovery, one outgoing connection attempt at a time, an accept loop for
// incoming connections, and a receive loop on the connected socket.
package classic

import (
	"io"

	"github.com/google/uuid"
)

// Device is a Classic Bluetooth peer
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Conn is an established RFCOMM stream. Close unblocks pending Read and
// Write calls.
type Conn interface {
	io.ReadWriteCloser
	Peer() Device
}

// Socket is an outgoing connection attempt. Connect blocks until the peer
// answers or the socket is closed.
type Socket interface {
	Conn
	Connect() error
}

// Listener accepts incoming RFCOMM connections. Close unblocks Accept.
type Listener interface {
	Accept() (Conn, error)
	Close() error
}

// Adapter is the host Classic Bluetooth stack
type Adapter interface {
	StartDiscovery() error
	CancelDiscovery() error
	Discovering() (bool, error)
	Listen(name string, service uuid.UUID) (Listener, error)
	Dial(dev Device, service uuid.UUID) (Socket, error)
}
