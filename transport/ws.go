package transport

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	dispatcher "github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/channel"
	"github.com/freenas/go-dispatcher/fd"
)

// wsTransport carries dispatcher frames as individual binary WebSocket
// messages, each holding one magic+length header and its JSON body (ws
// message boundaries already delimit frames, but the header is kept so the
// wire format is identical across every transport, matching spec.md §4.3's
// "hand off to transport" contract). WebSocket carries no ancillary data, so
// this transport never accepts descriptors, per spec.md's ws/ws+ssh
// transports.
type wsTransport struct {
	conn *websocket.Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// DialWS connects to a ws:// or wss:// dispatcher endpoint.
func DialWS(url string) (dispatcher.Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatcher/transport: dial ws %q: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

// UpgradeWS upgrades an incoming HTTP request to a dispatcher Transport, for
// use inside an http.Handler registered with a Server's accept path.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (dispatcher.Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatcher/transport: upgrade ws: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(payload []byte, fds []fd.FileDescriptor) error {
	if len(fds) > 0 {
		return fmt.Errorf("dispatcher/transport: ws transport cannot carry descriptors")
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, channel.EncodeFrame(payload))
}

func (t *wsTransport) Recv() ([]byte, []int, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("dispatcher/transport: short ws frame (%d bytes)", len(data))
	}
	magic, length, err := channel.DecodeHeader(data[:8])
	if err != nil {
		return nil, nil, err
	}
	switch magic {
	case channel.Magic:
	case channel.PermissionDenied:
		return nil, nil, channel.ErrPermissionDenied
	default:
		return nil, nil, channel.ErrBadMagic
	}
	if uint32(len(data)-8) != length {
		return nil, nil, fmt.Errorf("dispatcher/transport: frame length mismatch: header says %d, got %d", length, len(data)-8)
	}
	return data[8:], nil, nil
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// wsListener adapts an *http.ServeMux wired with UpgradeWS into a
// dispatcher.Listener by way of a buffered accept channel fed from each
// upgraded connection's handler.
type wsListener struct {
	accept chan dispatcher.Transport
	errc   chan error
	closed chan struct{}
}

// NewWSListener returns a Listener and an http.HandlerFunc; register the
// handler at the desired path on an *http.Server and call ListenAndServe (or
// Serve) separately, then feed the Listener to NewServer.
func NewWSListener() (dispatcher.Listener, http.HandlerFunc) {
	l := &wsListener{
		accept: make(chan dispatcher.Transport),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	handler := func(w http.ResponseWriter, r *http.Request) {
		tr, err := UpgradeWS(w, r)
		if err != nil {
			return
		}
		select {
		case l.accept <- tr:
		case <-l.closed:
			tr.Close()
		}
	}
	return l, handler
}

func (l *wsListener) Accept() (dispatcher.Transport, error) {
	select {
	case tr := <-l.accept:
		return tr, nil
	case err := <-l.errc:
		return nil, err
	case <-l.closed:
		return nil, fmt.Errorf("dispatcher/transport: listener closed")
	}
}

func (l *wsListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}
