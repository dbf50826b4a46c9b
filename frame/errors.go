package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrMTUTooSmall is returned when an MTU leaves no room for payload
	ErrMTUTooSmall = errors.New("mtu too small for frame header")
	// ErrShortFrame is returned when a raw frame is shorter than its header
	ErrShortFrame = errors.New("frame shorter than header")
	// ErrFrameTooLarge is returned when a stream frame exceeds the read limit
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrMessageTooLarge is returned when a message needs more frames than the counter holds
	ErrMessageTooLarge = errors.New("message needs more frames than the counter can express")
)

// Error wraps a codec failure with the operation that produced it
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("frame: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// IsFrameError returns true if err is or wraps a codec error
func IsFrameError(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}
