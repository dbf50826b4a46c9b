package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteStream writes one raw frame to a byte stream, prefixed by its length.
// Stream transports (RFCOMM) do not preserve write boundaries, so each
// frame is delimited this way.
func WriteStream(w io.Writer, raw []byte) error {
	buf := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(raw)))
	copy(buf[4:], raw)
	if _, err := w.Write(buf); err != nil {
		return opError("write stream", err)
	}
	return nil
}

// ReadStream reads one length-prefixed raw frame. Frames longer than max
// are rejected without reading their body, which leaves the stream
// unusable. A frame shorter than the header is consumed and reported as
// ErrShortFrame so the caller can skip it.
func ReadStream(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(n) > uint64(max) {
		return nil, opError("read stream", fmt.Errorf("%w (len=%d, max=%d)", ErrFrameTooLarge, n, max))
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if n < HeaderSize {
		return nil, opError("read stream", fmt.Errorf("%w (len=%d)", ErrShortFrame, n))
	}
	return raw, nil
}
