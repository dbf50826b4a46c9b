// Package frame implements the counter-prefixed frame format used to carry
// messages over MTU-bounded links.
//
// Wire format: [remaining:4 big-endian][payload:N]. remaining counts the
// frames still to come after this one, so the last frame of a message
// carries 0.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// HeaderSize is the size of the remaining-frames counter
	HeaderSize = 4
	// ATTOverhead is the ATT write opcode + handle
	ATTOverhead = 3
	// Overhead is subtracted from the MTU to get the usable payload
	Overhead = HeaderSize + ATTOverhead

	// DefaultMTU is the BLE MTU before negotiation
	DefaultMTU = 23
	// PreferredMTU is requested after service discovery
	PreferredMTU = 512
)

// Frame is one transport unit of a message
type Frame struct {
	Remaining uint32
	Payload   []byte
}

// Last reports whether this frame completes its message
func (f Frame) Last() bool {
	return f.Remaining == 0
}

// Marshal serializes the frame to wire format
func (f Frame) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.Remaining)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// MaxPayload returns the payload bytes that fit one write at the given MTU
func MaxPayload(mtu int) (int, error) {
	max := mtu - Overhead
	if max <= 0 {
		return 0, opError("max payload", fmt.Errorf("%w (mtu=%d)", ErrMTUTooSmall, mtu))
	}
	return max, nil
}

// Split cuts message into frames of at most maxPayload bytes each.
// A message shorter than maxPayload (including an empty one) becomes a
// single terminal frame. Payloads alias message.
func Split(message []byte, maxPayload int) ([]Frame, error) {
	if maxPayload <= 0 {
		return nil, opError("split", fmt.Errorf("%w (max payload=%d)", ErrMTUTooSmall, maxPayload))
	}

	if len(message) < maxPayload {
		return []Frame{{Remaining: 0, Payload: message}}, nil
	}

	count := (len(message) + maxPayload - 1) / maxPayload
	if uint64(count-1) > math.MaxUint32 {
		return nil, opError("split", fmt.Errorf("%w (%d frames)", ErrMessageTooLarge, count))
	}

	frames := make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(message) {
			end = len(message)
		}
		frames = append(frames, Frame{
			Remaining: uint32(count - 1 - i),
			Payload:   message[start:end],
		})
	}
	return frames, nil
}

// Encode splits message and serializes each frame
func Encode(message []byte, maxPayload int) ([][]byte, error) {
	frames, err := Split(message, maxPayload)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f.Marshal()
	}
	return out, nil
}

// Decode parses a raw frame. The returned payload aliases raw.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize {
		return Frame{}, opError("decode", fmt.Errorf("%w (len=%d)", ErrShortFrame, len(raw)))
	}
	return Frame{
		Remaining: binary.BigEndian.Uint32(raw[0:4]),
		Payload:   raw[HeaderSize:],
	}, nil
}
