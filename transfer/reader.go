package transfer

import (
	"fmt"
	"sync"

	"github.com/user/blelink/frame"
	"github.com/user/blelink/logger"
)

// DeliverFunc receives each completely reassembled message
type DeliverFunc func(message []byte)

// Reader reassembles inbound frames into messages
type Reader struct {
	mu sync.Mutex

	id       string
	mtu      int
	chunks   [][]byte
	size     int
	started  bool
	lastSeen uint32

	deliver DeliverFunc
}

// NewReader creates a reader that hands complete messages to deliver
func NewReader(id string, mtu int, deliver DeliverFunc) *Reader {
	if mtu <= 0 {
		mtu = frame.DefaultMTU
	}
	return &Reader{id: id, mtu: mtu, deliver: deliver}
}

func (r *Reader) prefix() string {
	return fmt.Sprintf("%s Reader", logger.ShortID(r.id))
}

// SetMTU records the negotiated MTU. Inbound frames are accepted at any size.
func (r *Reader) SetMTU(mtu int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mtu = mtu
}

// MTU returns the recorded MTU
func (r *Reader) MTU() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mtu
}

// OnFrame consumes one raw frame. A frame shorter than the header is dropped
// and the partial message is kept. The terminal frame delivers the message.
func (r *Reader) OnFrame(raw []byte) error {
	f, err := frame.Decode(raw)
	if err != nil {
		logger.Warn(r.prefix(), "dropping malformed frame: %v", err)
		return err
	}

	r.mu.Lock()
	if r.started && f.Remaining != r.lastSeen-1 {
		logger.Warn(r.prefix(), "frame counter gap: got %d after %d", f.Remaining, r.lastSeen)
	}
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	r.chunks = append(r.chunks, payload)
	r.size += len(payload)

	if !f.Last() {
		r.started = true
		r.lastSeen = f.Remaining
		r.mu.Unlock()
		return nil
	}

	message := make([]byte, 0, r.size)
	for _, c := range r.chunks {
		message = append(message, c...)
	}
	frames := len(r.chunks)
	r.clearLocked()
	deliver := r.deliver
	r.mu.Unlock()

	logger.Debug(r.prefix(), "reassembled %d-byte message from %d frames", len(message), frames)
	if deliver != nil {
		deliver(message)
	}
	return nil
}

// Reset drops any partially received message
func (r *Reader) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

// Buffered returns the bytes of the partial message held so far
func (r *Reader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Reader) clearLocked() {
	r.chunks = nil
	r.size = 0
	r.started = false
	r.lastSeen = 0
}
