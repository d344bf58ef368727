package dispatcher_test

import (
	"io"
	"testing"
	"time"

	dispatcher "github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/channel"
)

// memListener is an in-memory dispatcher.Listener fed by dial, which wires a
// fresh channel.Pipe pair per call: the server half is queued for Accept and
// the client half is handed back as a bare Connection, exercising the same
// magic-framing Channel a real unix/fd transport uses, without a network.
type memListener struct {
	accept chan dispatcher.Transport
	closed chan struct{}
}

func newMemListener() *memListener {
	return &memListener{accept: make(chan dispatcher.Transport, 8), closed: make(chan struct{})}
}

func (l *memListener) Accept() (dispatcher.Transport, error) {
	select {
	case tr := <-l.accept:
		return tr, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *memListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *memListener) dial(t *testing.T) *dispatcher.Connection {
	t.Helper()
	client, server := channel.Pipe(channel.MagicFraming)
	l.accept <- dispatcher.NewChannelTransport(server)
	conn := dispatcher.NewConnection(client, nil)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_BroadcastEvent_WildcardFiltering(t *testing.T) {
	ln := newMemListener()
	srv := dispatcher.NewServer(ln, nil)
	defer srv.Close()
	go srv.Serve()

	subscribed := ln.dial(t)
	unsubscribed := ln.dial(t)

	if err := subscribed.SubscribeEvents("demo.*"); err != nil {
		t.Fatalf("SubscribeEvents: %v", err)
	}

	got := make(chan string, 8)
	subscribed.RegisterEventHandler("demo.tick", false, func(name string, args any) {
		got <- name
	})
	unsubscribed.RegisterEventHandler("demo.tick", false, func(name string, args any) {
		t.Error("connection without a matching subscription received demo.tick")
	})

	// SubscribeEvents is a one-way notification with no reply to wait on, so
	// retry the broadcast until the server side has processed it.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		srv.BroadcastEvent("demo.tick", nil)
		select {
		case <-got:
			return
		case <-ticker.C:
			continue
		case <-deadline:
			t.Fatal("timed out waiting for subscribed connection to receive the broadcast event")
		}
	}
}
