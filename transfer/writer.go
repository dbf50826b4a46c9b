package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/blelink/frame"
	"github.com/user/blelink/logger"
)

// ErrNoWriteFunc is returned by NewWriter when no write primitive is given
var ErrNoWriteFunc = errors.New("transfer: nil write func")

// WriteFunc hands one raw frame to the transport. It must not block on the
// write acknowledgement; completion is reported through OnWriteAccepted or
// OnWriteFailed. A returned error is treated as an immediate failure.
type WriteFunc func(raw []byte) error

// Writer is the outbound transfer queue of a link: messages are split at the
// current MTU, frames go out one at a time, and the next frame is released
// only when the previous one was acknowledged.
type Writer struct {
	mu sync.Mutex

	id      string
	mtu     int
	pending [][]byte

	inFlight          []byte
	inFlightRemaining uint32
	busy              bool
	retries           int

	write      WriteFunc
	policy     FailurePolicy
	maxRetries int
}

// NewWriter creates a writer that sends frames through write
func NewWriter(id string, mtu int, write WriteFunc, policy FailurePolicy, maxRetries int) (*Writer, error) {
	if write == nil {
		return nil, ErrNoWriteFunc
	}
	if mtu <= 0 {
		mtu = frame.DefaultMTU
	}
	return &Writer{
		id:         id,
		mtu:        mtu,
		write:      write,
		policy:     policy,
		maxRetries: maxRetries,
	}, nil
}

func (w *Writer) prefix() string {
	return fmt.Sprintf("%s Writer", logger.ShortID(w.id))
}

// SetMTU changes the MTU used for messages enqueued from now on. Frames
// already queued keep the size they were encoded with.
func (w *Writer) SetMTU(mtu int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mtu = mtu
}

// MTU returns the MTU new messages are encoded with
func (w *Writer) MTU() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mtu
}

// Enqueue splits message at the current MTU and appends all of its frames
// before any write is attempted.
func (w *Writer) Enqueue(message []byte) error {
	w.mu.Lock()
	max, err := frame.MaxPayload(w.mtu)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	raw, err := frame.Encode(message, max)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.pending = append(w.pending, raw...)
	queued := len(w.pending)
	mtu := w.mtu
	w.mu.Unlock()

	logger.Debug(w.prefix(), "queued %d-byte message as %d frames (mtu=%d, queue=%d)", len(message), len(raw), mtu, queued)
	w.Advance()
	return nil
}

// Advance writes the next frame if nothing is in flight
func (w *Writer) Advance() {
	w.mu.Lock()
	if w.busy || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	raw := w.pending[0]
	w.pending[0] = nil
	w.pending = w.pending[1:]
	w.inFlight = raw
	w.inFlightRemaining = remainingOf(raw)
	w.busy = true
	w.retries = 0
	w.mu.Unlock()

	w.send(raw)
}

func (w *Writer) send(raw []byte) {
	logger.Trace(w.prefix(), "write frame remaining=%d len=%d", remainingOf(raw), len(raw))
	if err := w.write(raw); err != nil {
		w.OnWriteFailed(err)
	}
}

// OnWriteAccepted marks the in-flight frame delivered and releases the next one
func (w *Writer) OnWriteAccepted() {
	w.mu.Lock()
	if !w.busy {
		w.mu.Unlock()
		logger.Warn(w.prefix(), "write accepted with nothing in flight")
		return
	}
	w.busy = false
	w.inFlight = nil
	w.retries = 0
	w.mu.Unlock()

	w.Advance()
}

// OnWriteFailed applies the failure policy to the in-flight frame
func (w *Writer) OnWriteFailed(err error) {
	w.mu.Lock()
	if !w.busy {
		w.mu.Unlock()
		logger.Warn(w.prefix(), "write failed with nothing in flight: %v", err)
		return
	}

	switch w.policy {
	case Retry:
		if w.retries < w.maxRetries {
			w.retries++
			raw := w.inFlight
			attempt := w.retries
			w.mu.Unlock()
			logger.Warn(w.prefix(), "write failed, retry %d/%d: %v", attempt, w.maxRetries, err)
			w.send(raw)
			return
		}
		dropped := w.dropMessageLocked()
		w.mu.Unlock()
		logger.Error(w.prefix(), "write failed after %d retries, dropped %d frames: %v", w.maxRetries, dropped, err)
		w.Advance()

	case DropMessage:
		dropped := w.dropMessageLocked()
		w.mu.Unlock()
		logger.Error(w.prefix(), "write failed, dropped %d frames of the message: %v", dropped, err)
		w.Advance()

	default:
		w.mu.Unlock()
		logger.Error(w.prefix(), "write failed, queue stalled until reset: %v", err)
	}
}

// dropMessageLocked discards the in-flight frame and the frames of the same
// message still queued behind it. Messages are queued whole and in order,
// so those are exactly the next inFlightRemaining entries.
func (w *Writer) dropMessageLocked() int {
	n := int(w.inFlightRemaining)
	if n > len(w.pending) {
		n = len(w.pending)
	}
	for i := 0; i < n; i++ {
		w.pending[i] = nil
	}
	w.pending = w.pending[n:]
	w.inFlight = nil
	w.busy = false
	w.retries = 0
	return n + 1
}

// Reset drops every queued and in-flight frame
func (w *Writer) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = nil
	w.inFlight = nil
	w.busy = false
	w.retries = 0
}

// Pending returns the number of frames waiting behind the in-flight one
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// InFlight reports whether a frame awaits its write acknowledgement
func (w *Writer) InFlight() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

func remainingOf(raw []byte) uint32 {
	f, err := frame.Decode(raw)
	if err != nil {
		return 0
	}
	return f.Remaining
}
