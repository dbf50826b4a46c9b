// Package rfcomm opens Classic Bluetooth RFCOMM stream sockets. Closing a
// socket shuts it down first, so a goroutine blocked in Connect, Accept or
// Read on it returns.
package rfcomm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupported is returned on platforms without AF_BLUETOOTH sockets
var ErrUnsupported = errors.New("rfcomm: not supported on this platform")

// ErrClosed is returned by operations on a closed socket
var ErrClosed = errors.New("rfcomm: socket closed")

// parseAddr parses "AA:BB:CC:DD:EE:FF" into the little-endian bdaddr byte
// order the kernel expects.
func parseAddr(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("rfcomm: invalid address %q", s)
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return out, fmt.Errorf("rfcomm: invalid address %q", s)
		}
		out[5-i] = byte(b)
	}
	return out, nil
}

func formatAddr(b [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}
