package dispatcher

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Listener accepts incoming transport connections for a Server. Concrete
// implementations live in package dispatcher/transport (ListenUnix for
// unix://, NewWSListener for ws://; fd:// and ssh:// have none); tests
// typically use an in-memory listener fed by channel.Pipe.
type Listener interface {
	Accept() (Transport, error)
	Close() error
}

// Server listens on a single transport endpoint, binds a Context (and
// optional Authenticator), and instantiates a per-connection Connection in
// server mode for each accepted transport (spec.md §4.5).
type Server struct {
	opts *ServerOptions
	log  func(string, ...any)
	ln   Listener

	mu    sync.Mutex
	conns map[*Connection]struct{}
	wg    errgroup.Group // one Go call per accepted connection's disconnect watcher

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer constructs a Server that accepts connections from ln. Call
// Serve to begin accepting.
func NewServer(ln Listener, opts *ServerOptions) *Server {
	return &Server{
		opts:   opts,
		log:    opts.logFunc(),
		ln:     ln,
		conns:  make(map[*Connection]struct{}),
		closed: make(chan struct{}),
	}
}

// Serve accepts connections from the listener until it is closed or Accept
// fails, constructing and registering a Connection for each. When Accept
// fails after Close, Serve waits for all accepted connections to finish
// closing and returns nil; any other Accept failure is returned at once,
// without waiting.
func (s *Server) Serve() error {
	for {
		tr, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.wg.Wait()
				return nil
			default:
			}
			return fmt.Errorf("dispatcher: accept: %w", err)
		}
		s.handleAccept(tr)
	}
}

func (s *Server) handleAccept(tr Transport) {
	conn := NewConnectionWithTransport(tr, s.opts.connOpts())
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.log("accepted connection %p", conn)

	if s.opts != nil && s.opts.OnConnect != nil {
		s.opts.OnConnect(conn)
	}

	s.wg.Go(func() error {
		<-conn.Done()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if s.opts != nil && s.opts.OnDisconnect != nil {
			s.opts.OnDisconnect(conn)
		}
		return nil
	})
}

// Connections returns a snapshot of the server's currently live connections.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// BroadcastEvent emits name/args to every live connection whose subscription
// set matches name, per spec.md §4.5. Each connection applies its own
// burst/no-burst emission policy.
func (s *Server) BroadcastEvent(name string, args any) {
	for _, c := range s.Connections() {
		if !c.Subscriptions().matches(name) {
			continue
		}
		if err := c.EmitEvent(name, args); err != nil {
			s.log("broadcast %s to %p: %v", name, c, err)
		}
	}
}

// Close stops accepting new connections and closes every live connection.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	err := s.ln.Close()
	for _, c := range s.Connections() {
		c.Close()
	}
	s.wg.Wait()
	return err
}
