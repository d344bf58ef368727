package channel

import "io"

// Channel is a duplex byte-message transport: Send/Recv exchange whole
// message buffers (a complete JSON frame once a Framing has been applied),
// with no partial-message concept exposed to callers above this layer.
type Channel interface {
	Send(msg []byte) error
	Recv() ([]byte, error)
	Close() error
}

// A Framing converts a reader and a writer into a Channel with a particular
// message-framing discipline.
type Framing func(io.Reader, io.WriteCloser) Channel
