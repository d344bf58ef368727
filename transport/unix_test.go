package transport_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	dispatcher "github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/fd"
	"github.com/freenas/go-dispatcher/transport"
)

// TestFDPassing_OverUnixTransport exercises spec.md §8's FD-passing
// scenario end to end: a client hands the write end of a pipe to the server
// as an fd.FileDescriptor argument, the server writes through the received
// descriptor, and the client reads the bytes back from its own read end.
func TestFDPassing_OverUnixTransport(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "dispatcher.sock")

	ln, err := transport.ListenUnix(sockPath)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}

	received := make(chan fd.FileDescriptor, 1)
	srv := dispatcher.NewServer(ln, &dispatcher.ServerOptions{
		ConnectionOptions: &dispatcher.ConnectionOptions{
			Context: dispatcher.ContextFunc(func(ctx context.Context, method string, args any, sender *dispatcher.Connection, streaming bool) (any, error) {
				list, _ := args.([]any)
				f, _ := list[0].(fd.FileDescriptor)
				received <- f
				return "ok", nil
			}),
		},
	})
	defer srv.Close()
	go srv.Serve()

	tr, err := transport.DialUnix(sockPath)
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	client := dispatcher.NewConnectionWithTransport(tr, nil)
	defer client.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.CallSync(ctx, "test.passfd", []any{fd.FileDescriptor{Fd: int(w.Fd())}}, nil)
	if err != nil {
		t.Fatalf("CallSync: %v", err)
	}
	if result != "ok" {
		t.Fatalf("CallSync result = %v, want %q", result, "ok")
	}

	var got fd.FileDescriptor
	select {
	case got = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("server's Context was never invoked with the passed descriptor")
	}
	if got.Fd < 0 {
		t.Fatal("server received a null descriptor (SCM_RIGHTS did not arrive)")
	}

	peer := os.NewFile(uintptr(got.Fd), "peer-write-end")
	defer peer.Close()
	if _, err := peer.Write([]byte("hello")); err != nil {
		t.Fatalf("write through passed descriptor: %v", err)
	}

	buf := make([]byte, 5)
	r.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read from original pipe end: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("read %q from original pipe end, want %q", buf, "hello")
	}
}
