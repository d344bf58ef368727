package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Magic identifies a valid dispatcher frame header.
const Magic uint32 = 0xdeadbeef

// PermissionDenied is sent in place of Magic on the SSH transport to signal
// that the peer helper process refused the connection; receiving it
// terminates the connection without further attempts at resynchronization.
const PermissionDenied uint32 = 0xbadbeef0

// headerLen is the size in bytes of a frame header: a 4-byte magic followed
// by a 4-byte length, both little-endian on the wire.
const headerLen = 8

// ErrBadMagic is returned by Recv when a frame header does not carry Magic
// (and is not the SSH PermissionDenied sentinel).
var ErrBadMagic = errors.New("channel: bad frame magic")

// ErrPermissionDenied is returned by Recv when the peer sends the SSH
// transport's permission-denied sentinel in place of a frame.
var ErrPermissionDenied = errors.New("channel: permission denied")

// EncodeFrame returns the header-prefixed wire representation of payload.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	return buf
}

// DecodeHeader parses an 8-byte frame header.
func DecodeHeader(hdr []byte) (magic, length uint32, err error) {
	if len(hdr) != headerLen {
		return 0, 0, fmt.Errorf("channel: short header (%d bytes)", len(hdr))
	}
	return binary.LittleEndian.Uint32(hdr[0:4]), binary.LittleEndian.Uint32(hdr[4:8]), nil
}

// magic is a Channel that reads and writes whole frames with the dispatcher
// magic+length header over a plain byte stream. It carries no ancillary
// data; transports that need file descriptors or credentials (the unix
// transport) implement their own framing directly against net.UnixConn
// instead of using this type.
type magic struct {
	r  io.Reader
	w  io.WriteCloser
	mu sync.Mutex // serializes writes, one frame at a time end-to-end
}

// MagicFraming adapts r and w to a Channel using the dispatcher wire
// framing: a fixed magic, a little-endian length, and a UTF-8 JSON payload.
func MagicFraming(r io.Reader, w io.WriteCloser) Channel {
	return &magic{r: r, w: w}
}

func (m *magic) Send(msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.w.Write(EncodeFrame(msg))
	return err
}

func (m *magic) Recv() ([]byte, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(m.r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	mg, length, err := DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	switch mg {
	case Magic:
		// fall through
	case PermissionDenied:
		return nil, ErrPermissionDenied
	default:
		return nil, ErrBadMagic
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(m.r, body); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	return body, nil
}

func (m *magic) Close() error { return m.w.Close() }

// IsErrClosing reports whether err indicates an orderly channel shutdown
// rather than a genuine I/O failure (used by callers deciding whether to
// log at error severity).
func IsErrClosing(err error) bool {
	return err != nil && err.Error() == "io: read/write on closed pipe"
}
