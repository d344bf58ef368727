package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/freenas/go-dispatcher/channel"
	"github.com/freenas/go-dispatcher/code"
	"github.com/freenas/go-dispatcher/fd"
	"github.com/freenas/go-dispatcher/wire"
)

// Transport is the duplex byte-and-descriptor channel a Connection consumes
// (spec.md §4.3). Send must deliver payload and its accompanying
// descriptors as a single unit; Recv returns the next frame's payload and
// any descriptors that arrived with it (nil for transports, such as
// WebSocket and SSH, that carry no ancillary data).
type Transport interface {
	Send(payload []byte, fds []fd.FileDescriptor) error
	Recv() (payload []byte, fds []int, err error)
	Close() error
}

// chanTransport adapts a bare channel.Channel (no ancillary data) to the
// Transport interface, for in-memory and byte-stream-only use.
type chanTransport struct{ ch channel.Channel }

// NewChannelTransport wraps ch, which carries no file descriptors, as a
// Transport.
func NewChannelTransport(ch channel.Channel) Transport { return chanTransport{ch: ch} }

func (t chanTransport) Send(payload []byte, fds []fd.FileDescriptor) error {
	if len(fds) > 0 {
		return fmt.Errorf("dispatcher: transport does not support file descriptors")
	}
	return t.ch.Send(payload)
}

func (t chanTransport) Recv() ([]byte, []int, error) {
	b, err := t.ch.Recv()
	return b, nil, err
}

func (t chanTransport) Close() error { return t.ch.Close() }

// Connection is a peer-to-peer duplex session carrying framed JSON messages
// in the rpc and events namespaces. The same type acts as both client and
// server: it issues outbound calls via CallSync/CallAsync and, when
// constructed with a Context, dispatches inbound calls to it.
type Connection struct {
	opts *ConnectionOptions
	log  func(string, ...any)
	tr   Transport
	fdser fd.Serializer

	sem *semaphore.Weighted // nil when CallQueueLimit == 0

	mu            sync.Mutex
	calls         map[string]*pendingCall
	iterators     map[string]*pendingIterator
	eventHandlers map[string][]*eventSub
	burstBuf      []eventArgs
	token         string
	closed        bool
	closeErr      error
	wg            errgroup.Group // receive loop + event-delivery worker

	subs   *subscriptionSet
	events *eventQueue

	dispatchWG errgroup.Group // one Go call per inbound dispatch/auth goroutine
	done       chan struct{}

	creds credsBox
}

// NewConnection constructs a Connection over ch (which carries no
// out-of-band descriptors) and starts its receive and event-delivery loops.
func NewConnection(ch channel.Channel, opts *ConnectionOptions) *Connection {
	return NewConnectionWithTransport(NewChannelTransport(ch), opts)
}

// NewConnectionWithTransport constructs a Connection over an arbitrary
// Transport (used by fd-capable transports such as unix://) and starts its
// receive and event-delivery loops.
func NewConnectionWithTransport(tr Transport, opts *ConnectionOptions) *Connection {
	if opts == nil {
		opts = &ConnectionOptions{}
	}
	c := &Connection{
		opts:          opts,
		log:           opts.logFunc(),
		tr:            tr,
		fdser:         fd.Unix{},
		calls:         make(map[string]*pendingCall),
		iterators:     make(map[string]*pendingIterator),
		eventHandlers: make(map[string][]*eventSub),
		subs:          &subscriptionSet{},
		events:        newEventQueue(),
		done:          make(chan struct{}),
	}
	if n := opts.callQueueLimit(); n > 0 {
		c.sem = semaphore.NewWeighted(int64(n))
	}
	connectionsActiveGauge.Add(1)
	c.wg.Go(func() error { c.recvLoop(); return nil })
	c.wg.Go(func() error { c.runEventWorker(); return nil })
	return c
}

// SetFDSerializer overrides the default index-addressed fd.Serializer, for
// transports using the multiplexed-channel variant (spec.md §4.2).
func (c *Connection) SetFDSerializer(s fd.Serializer) { c.fdser = s }

// Token returns the authentication token established by a prior
// LoginUser/LoginService/LoginToken call, or "" if none has succeeded.
func (c *Connection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// dispatchAsync runs fn on a fresh goroutine tracked by the connection's
// shutdown barrier, used for async event handlers and inbound call dispatch.
func (c *Connection) dispatchAsync(fn func()) {
	c.dispatchWG.Go(func() error {
		fn()
		return nil
	})
}

// --- outbound calls -------------------------------------------------------

// CallOptions customizes a single CallSync/CallAsync invocation.
type CallOptions struct {
	Timeout   time.Duration // zero uses ConnectionOptions.DefaultTimeout
	View      bool          // request a random-access (view-mode) stream
	Streaming bool          // accept a streamed response instead of a plain one
}

// CallSync issues method(args) to the peer and blocks for its result. If
// the peer streams its response, the result is a *ResultIterator unless
// opts.Streaming is false, in which case CallSync accumulates the full
// stream into a []any before returning (spec.md Open Question #1).
func (c *Connection) CallSync(ctx context.Context, method string, args any, opts *CallOptions) (any, error) {
	p, err := c.startCall(method, args, opts)
	if err != nil {
		return nil, err
	}
	timeout := c.opts.defaultTimeout()
	wantStreaming := false
	wantView := false
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		wantStreaming = opts.Streaming
		wantView = opts.View
	}
	p.view = wantView

	done := make(chan struct{})
	var result any
	var callErr error
	var streaming bool
	go func() {
		result, callErr, streaming = p.waitResolved()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		c.reportError(code.RPCCallTimeout, fmt.Errorf("call %q timed out after %s", method, timeout))
		c.mu.Lock()
		delete(c.calls, p.id)
		c.mu.Unlock()
		return nil, NewRpcException(code.ETIMEDOUT, "call %q timed out", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if callErr != nil {
		return nil, callErr
	}
	if streaming {
		it := newResultIterator(c, p)
		if !wantStreaming {
			return c.drainIterator(ctx, it)
		}
		return it, nil
	}
	return result, nil
}

func (c *Connection) drainIterator(ctx context.Context, it *ResultIterator) ([]any, error) {
	var out []any
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// CallAsync issues method(args) to the peer without blocking. For a plain
// response or an error, callback is invoked once with done=true and the
// result (or err). For a streamed response, callback is invoked once per
// delivered fragment value (done=false) and once more with done=true and
// value=nil when the peer sends end. CallAsync sends no continue requests,
// so a streamed response delivers only the fragments the peer sends
// unprompted (the first one).
func (c *Connection) CallAsync(method string, args any, callback func(value any, err error, done bool)) error {
	p, err := c.startCall(method, args, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.callback = callback
	p.mu.Unlock()
	return nil
}

// allocateCall installs a fresh pendingCall under a new id, without sending
// anything. Callers send the appropriate outbound message themselves (a
// plain rpc/call for CallSync/CallAsync, or one of the rpc/auth* variants
// for the login helpers), all of which correlate their reply by this id.
func (c *Connection) allocateCall(method string, args any) (*pendingCall, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	c.mu.Unlock()

	id := uuid.NewString()
	p := newPendingCall(c, id, method, args)

	c.mu.Lock()
	c.calls[id] = p
	c.mu.Unlock()
	return p, nil
}

func (c *Connection) discardCall(id string) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

// startCall allocates a pendingCall and issues the corresponding rpc/call
// message.
func (c *Connection) startCall(method string, args any, opts *CallOptions) (*pendingCall, error) {
	view := opts != nil && opts.View
	p, err := c.allocateCall(method, args)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"method": method, "args": args}
	if view {
		payload["view"] = true
	}
	if err := c.sendEnvelope(nsRPC, nameCall, p.id, payload); err != nil {
		c.discardCall(p.id)
		return nil, err
	}
	callsIssuedCount.Add(1)
	return p, nil
}

func (c *Connection) sendContinue(id string, seqno uint64) error {
	return c.sendEnvelope(nsRPC, nameContinue, id, seqno)
}

// abortCall tells the peer to dispose of the streaming iterator for id.
func (c *Connection) abortCall(id string) error {
	return c.sendEnvelope(nsRPC, nameAbort, id, nil)
}

// --- authentication --------------------------------------------------------

// LoginUser authenticates with a username and password (or a pre-hashed
// check_password), storing the resulting token on success.
func (c *Connection) LoginUser(username, password string, checkPassword bool, resource string) error {
	p, err := c.allocateCall("", nil)
	if err != nil {
		return err
	}
	payload := map[string]any{"username": username}
	if password != "" {
		payload["password"] = password
	}
	if checkPassword {
		payload["check_password"] = true
	}
	if resource != "" {
		payload["resource"] = resource
	}
	if err := c.sendEnvelope(nsRPC, nameAuth, p.id, payload); err != nil {
		c.discardCall(p.id)
		return err
	}
	return c.finishLogin(p)
}

// LoginService authenticates as a named internal service.
func (c *Connection) LoginService(name string) error {
	p, err := c.allocateCall("", nil)
	if err != nil {
		return err
	}
	if err := c.sendEnvelope(nsRPC, nameAuthService, p.id, map[string]any{"name": name}); err != nil {
		c.discardCall(p.id)
		return err
	}
	return c.finishLogin(p)
}

// LoginToken authenticates with a previously issued token.
func (c *Connection) LoginToken(token string) error {
	p, err := c.allocateCall("", nil)
	if err != nil {
		return err
	}
	if err := c.sendEnvelope(nsRPC, nameAuthToken, p.id, map[string]any{"token": token}); err != nil {
		c.discardCall(p.id)
		return err
	}
	return c.finishLogin(p)
}

func (c *Connection) finishLogin(p *pendingCall) error {
	result, err := p.wait()
	if err != nil {
		return err
	}
	if tok, ok := result.(string); ok {
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
	}
	return nil
}

// --- sending ---------------------------------------------------------------

// sendNotification sends a message with no id, for messages that do not
// correlate to a pending call (events, subscribe/unsubscribe, logout).
func (c *Connection) sendNotification(ns, name string, args any) error {
	return c.sendEnvelope(ns, name, "", args)
}

func (c *Connection) sendEnvelope(ns, name, id string, args any) error {
	tree, err := normalizeTree(args)
	if err != nil {
		return err
	}
	stripped, fds, err := c.fdser.CollectFDs(tree)
	if err != nil {
		return err
	}
	clean, err := wire.Encode(stripped)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if clean != nil {
		raw, err = json.Marshal(clean)
		if err != nil {
			return err
		}
	}
	payload, err := (&envelope{Namespace: ns, Name: name, ID: id, Args: raw}).marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errConnClosed
	}
	if err := c.tr.Send(payload, fds); err != nil {
		c.handleTransportError(err)
		return err
	}
	bytesWrittenCount.Add(int64(len(payload)))
	for _, f := range fds {
		if f.Close {
			// nothing to do here: a descriptor-carrying transport
			// (unixTransport.Send) closes Close-flagged descriptors itself
			// after a successful write
		}
	}
	return nil
}

// normalizeTree recursively walks args, leaving fd.FileDescriptor and the
// wire extension types (time.Time, wire.Binary, *regexp.Regexp,
// wire.Password) untouched so that fd.Serializer.CollectFDs can still find
// descriptor leaves by their Go type; sendEnvelope applies wire.Encode only
// after CollectFDs has stripped them. Values that are not already one of the
// recognized tree shapes (a caller's own struct, for instance) are
// round-tripped through JSON once to flatten them to map[string]any/[]any.
// A struct field typed fd.FileDescriptor would not survive that round trip,
// so descriptor-bearing args must be expressed as map[string]any/[]any
// trees, matching the original Python client's use of plain dicts and
// lists for RPC arguments.
func normalizeTree(v any) (any, error) {
	switch t := v.(type) {
	case nil, fd.FileDescriptor, time.Time, wire.Binary, wire.Password, *regexp.Regexp, bool, string, float64, int, int64:
		return t, nil
	case []byte:
		return wire.Binary(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elt := range t {
			enc, err := normalizeTree(elt)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elt := range t {
			enc, err := normalizeTree(elt)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	default:
		bits, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(bits, &generic); err != nil {
			return nil, err
		}
		return normalizeTree(generic)
	}
}

// --- receiving ---------------------------------------------------------------

func (c *Connection) recvLoop() {
	for {
		payload, fds, err := c.tr.Recv()
		if err != nil {
			c.handleTransportError(err)
			return
		}
		bytesReadCount.Add(int64(len(payload)))
		c.pollCredentials()
		c.handleMessage(payload, fds)
	}
}

func (c *Connection) handleMessage(payload []byte, ancillary []int) {
	env, err := parseEnvelope(payload)
	if err != nil {
		c.reportError(code.InvalidJSONResponse, err)
		return
	}
	var tree any
	if len(env.Args) > 0 {
		if err := json.Unmarshal(env.Args, &tree); err != nil {
			c.reportError(code.InvalidJSONResponse, err)
			return
		}
		tree, err = c.fdser.ReplaceFDs(tree, ancillary)
		if err != nil {
			c.reportError(code.InvalidJSONResponse, err)
			return
		}
		tree, err = wire.Decode(tree)
		if err != nil {
			c.reportError(code.InvalidJSONResponse, err)
			return
		}
	}

	switch env.Namespace {
	case nsRPC:
		c.handleRPC(env, tree)
	case nsEvents:
		c.handleEvents(env, tree)
	default:
		c.reportError(code.InvalidJSONResponse, fmt.Errorf("unknown namespace %q", env.Namespace))
	}
}

func (c *Connection) handleTransportError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	calls := c.calls
	c.calls = make(map[string]*pendingCall)
	c.mu.Unlock()

	c.dropPendingCalls(calls)
	c.reportError(code.ConnectionClosed, err)
	c.events.close()
	c.tr.Close()
	connectionsActiveGauge.Add(-1)
	close(c.done)
}

// Done returns a channel that is closed once the connection's transport has
// been torn down, either by Close or by a transport-level failure.
func (c *Connection) Done() <-chan struct{} { return c.done }

// dropPendingCalls fails every outstanding call with ECONNABORTED, matching
// spec.md §5's "On connection close" behavior.
func (c *Connection) dropPendingCalls(calls map[string]*pendingCall) {
	for _, p := range calls {
		p.abortOnClose()
	}
}

func (c *Connection) reportError(kind code.ClientError, err error) {
	if c.opts != nil && c.opts.ErrorCallback != nil {
		c.opts.ErrorCallback(kind, err)
	}
}

// Close terminates the connection's transport and frees all pending calls.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = errConnClosed
	calls := c.calls
	c.calls = make(map[string]*pendingCall)
	c.mu.Unlock()

	c.dropPendingCalls(calls)
	c.events.close()
	err := c.tr.Close()
	connectionsActiveGauge.Add(-1)
	close(c.done)
	c.wg.Wait()
	c.dispatchWG.Wait()
	return err
}
