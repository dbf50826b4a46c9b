//go:build !linux && !darwin && !windows

package tinyble

import (
	"errors"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

var errNoWriteRequest = errors.New("tinyble: write with response not supported on this target")

type requestWriter struct{}

func (requestWriter) write(string, uuid.UUID, bluetooth.DeviceCharacteristic, []byte) error {
	return errNoWriteRequest
}

func (requestWriter) forget(string) {}
