package transport

import (
	"fmt"
	"os"

	dispatcher "github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/channel"
	"github.com/freenas/go-dispatcher/fd"
)

// fdTransport frames dispatcher messages over a single pre-opened duplex
// file descriptor (typically a connected socket or pty fd inherited from a
// parent process), per spec.md §4.3's "fd" transport and matching the
// original client's ClientTransportFD, which os.fdopen(fd, "w+b", 0)s one
// descriptor for both directions. Plain descriptors carry no ancillary
// data, so descriptor passing is not available on this transport; callers
// needing FD passing use unix instead.
type fdTransport struct {
	ch channel.Channel
	f  *os.File
}

// NewFD wraps an already-open duplex descriptor as a Transport. The
// Transport takes ownership of descriptorFD; Close closes it.
func NewFD(descriptorFD int) dispatcher.Transport {
	f := os.NewFile(uintptr(descriptorFD), fmt.Sprintf("dispatcher-fd-%d", descriptorFD))
	return &fdTransport{ch: channel.MagicFraming(f, f), f: f}
}

func (t *fdTransport) Send(payload []byte, fds []fd.FileDescriptor) error {
	if len(fds) > 0 {
		return fmt.Errorf("dispatcher/transport: fd transport cannot carry descriptors")
	}
	return t.ch.Send(payload)
}

func (t *fdTransport) Recv() ([]byte, []int, error) {
	b, err := t.ch.Recv()
	return b, nil, err
}

func (t *fdTransport) Close() error {
	return t.f.Close()
}
