package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message body. The largest legitimate frame is
// a 64 KiB write payload plus JSON overhead; anything near this limit is a
// corrupted or hostile peer.
const MaxFrameSize = 16 << 20

// ErrTransport marks a connection that could not deliver a complete frame.
// The connection is unusable afterwards.
var ErrTransport = errors.New("wire: transport broken")

// WriteFrame sends one message: a big-endian u32 length followed by exactly
// that many body bytes.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("%w: write length: %v", ErrTransport, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: write body: %v", ErrTransport, err)
	}
	return nil
}

// ReadFrame receives one message. It reads the length prefix first, then
// exactly that many body bytes; a short read keeps waiting for the remainder
// rather than interpreting a partial buffer, and only a closed or failed
// connection surfaces an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: read length: %v", ErrTransport, err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	return body, nil
}
