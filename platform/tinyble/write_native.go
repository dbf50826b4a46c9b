//go:build darwin || windows

package tinyble

import (
	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// requestWriter uses the stack's write-with-response
type requestWriter struct{}

func (requestWriter) write(_ string, _ uuid.UUID, ch bluetooth.DeviceCharacteristic, value []byte) error {
	_, err := ch.Write(value)
	return err
}

func (requestWriter) forget(string) {}
