package dispatcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// A Logger records text logs from a Connection or Server. A nil logger
// discards its input.
type Logger func(text string)

// Printf writes a formatted message to the logger. If lg == nil, the
// message is discarded.
func (lg Logger) Printf(msg string, args ...any) {
	if lg != nil {
		lg(fmt.Sprintf(msg, args...))
	}
}

// StdLogger adapts a *log.Logger to a Logger. If logger == nil, the returned
// function sends logs to the default logger.
func StdLogger(logger *log.Logger) Logger {
	if logger == nil {
		return func(text string) { log.Output(2, text) }
	}
	return func(text string) { logger.Output(2, text) }
}

// NewEnvLogger returns a Logger that writes to /var/tmp/dispatcher<name>.<pid>.log
// when the named environment variable is set (matching the original
// client's DISPATCHER_CLIENT_DEBUG/DISPATCHER_TRANSPORT_DEBUG behavior), or
// a discarding Logger otherwise. The environment variable only selects the
// initial logger at construction time; it is not consulted again.
func NewEnvLogger(envVar, name string) Logger {
	if os.Getenv(envVar) == "" {
		return nil
	}
	logPath := filepath.Join("/var/tmp", fmt.Sprintf("dispatcher%s.%d.log", name, os.Getpid()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil
	}
	return func(text string) { fmt.Fprintln(f, text) }
}

// Context is the pluggable dispatch target a Connection consults to resolve
// inbound rpc/call requests. It plays the same external-collaborator role
// spec.md assigns to "RpcContext"; package rpcsvc supplies a reflection-based
// reference implementation.
type Context interface {
	// Dispatch resolves method against args on behalf of sender and returns
	// either a plain JSON-marshalable value or a Sequence to be streamed
	// (only consulted when streaming is true). A non-nil error should
	// normally have concrete type *RpcException to control the wire code;
	// other errors are reported as code.EIO.
	Dispatch(ctx context.Context, method string, args any, sender *Connection, streaming bool) (any, error)
}

// Authenticator resolves inbound rpc/auth, rpc/auth_service, and
// rpc/auth_token requests on the server side of a Connection. A successful
// method returns the token to hand back to the peer (and to store locally,
// mirroring login_user/login_service/login_token on the calling side).
type Authenticator interface {
	AuthUser(ctx context.Context, username, password string, checkPassword bool, resource string) (token string, err error)
	AuthService(ctx context.Context, name string) (token string, err error)
	AuthToken(ctx context.Context, token string) (newToken string, err error)
}

// ContextFunc adapts a function to the Context interface.
type ContextFunc func(ctx context.Context, method string, args any, sender *Connection, streaming bool) (any, error)

func (f ContextFunc) Dispatch(ctx context.Context, method string, args any, sender *Connection, streaming bool) (any, error) {
	return f(ctx, method, args, sender, streaming)
}

// ConnectionOptions control the behavior of a Connection created by
// NewConnection. A nil *ConnectionOptions provides sensible defaults.
type ConnectionOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// Context dispatches inbound rpc/call requests. If nil, all inbound
	// calls fail with code.EINVAL ("server functionality not supported"),
	// matching spec.md §4.4.2 step 1.
	Context Context

	// Authenticator resolves inbound rpc/auth* requests. If nil, they fail
	// with code.EINVAL the same way unrouted calls do.
	Authenticator Authenticator

	// CallQueueLimit bounds the number of inbound calls dispatched
	// concurrently; additional calls fail with code.EBUSY until the count
	// drops (spec.md §4.4.2 step 2). Zero means unbounded.
	CallQueueLimit int

	// Streaming, when true, tells this connection's Context dispatch that
	// the caller prefers a streamed response for sequence-valued results
	// (spec.md §4.4.2 step 5). It corresponds to the original client's
	// per-connection "streaming" attribute, not a per-call override.
	Streaming bool

	// DefaultTimeout is the CallSync deadline applied when the caller does
	// not specify one explicitly. The original connection type defaults to
	// 60s (20s for its legacy variant); zero uses 60s.
	DefaultTimeout time.Duration

	// ErrorCallback, if set, is invoked for every classified failure in the
	// code.ClientError taxonomy (spec.md §7).
	ErrorCallback func(kind fmt.Stringer, err error)

	// EventCallback, if set, is invoked for every event delivered to this
	// connection's handler worker, in addition to any per-name handlers.
	EventCallback EventHandler

	// Burst enables buffering of outbound EmitEvent calls into a single
	// events/event_burst message, flushed automatically once BurstMaxBatch
	// events have accumulated, or explicitly via FlushEvents.
	Burst         bool
	BurstMaxBatch int

	// StandaloneServer mirrors the original client's standalone flag: when
	// true, RegisterService/UnregisterService/ResumeService/RegisterSchema/
	// UnregisterSchema are no-ops rather than notifying a plugin registry.
	StandaloneServer bool

	// Metrics, if set, is made available to Context implementations via
	// MetricsWriter(ctx) during inbound call dispatch, for recording
	// per-method counters independent of the process-wide ConnectionMetrics.
	Metrics *Metrics
}

func (o *ConnectionOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *ConnectionOptions) logFunc() func(string, ...any) {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	return o.Logger.Printf
}

func (o *ConnectionOptions) context() Context {
	if o == nil {
		return nil
	}
	return o.Context
}

func (o *ConnectionOptions) authenticator() Authenticator {
	if o == nil {
		return nil
	}
	return o.Authenticator
}

func (o *ConnectionOptions) callQueueLimit() int {
	if o == nil {
		return 0
	}
	return o.CallQueueLimit
}

func (o *ConnectionOptions) streaming() bool { return o != nil && o.Streaming }

func (o *ConnectionOptions) defaultTimeout() time.Duration {
	if o == nil || o.DefaultTimeout <= 0 {
		return 60 * time.Second
	}
	return o.DefaultTimeout
}

func (o *ConnectionOptions) burstMaxBatch() int {
	if o == nil || o.BurstMaxBatch <= 0 {
		return 64
	}
	return o.BurstMaxBatch
}

func (o *ConnectionOptions) standalone() bool { return o != nil && o.StandaloneServer }

// ServerOptions control the behavior of a Server created by NewServer. A nil
// *ServerOptions provides sensible defaults.
type ServerOptions struct {
	// If not nil, send debug text logs here.
	Logger Logger

	// ConnectionOptions is used to construct the Connection for each
	// accepted transport connection; Context is typically set here so every
	// connection shares the same dispatch target.
	ConnectionOptions *ConnectionOptions

	// OnConnect, if set, is called synchronously whenever a new connection
	// is accepted, right after it is added to the server's live set.
	OnConnect func(*Connection)

	// OnDisconnect, if set, is called when a connection is removed from the
	// live set (after its transport has closed).
	OnDisconnect func(*Connection)
}

func (s *ServerOptions) logFunc() func(string, ...any) {
	if s == nil || s.Logger == nil {
		return func(string, ...any) {}
	}
	return s.Logger.Printf
}

func (s *ServerOptions) connOpts() *ConnectionOptions {
	if s == nil {
		return nil
	}
	return s.ConnectionOptions
}
