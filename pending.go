package dispatcher

import (
	"sync"

	"github.com/freenas/go-dispatcher/code"
)

// callState is the receiver-side lifecycle of an outstanding streaming call,
// per spec.md §4.4.3.
type callState int

const (
	stateInitial callState = iota
	stateStreaming
	stateEnded
	stateClosed
	stateErrored
)

// pendingCall is the client-side record for one outstanding request. Exactly
// one pendingCall exists per outstanding id (spec.md §3); it is removed from
// the connection's table on any terminal inbound message.
type pendingCall struct {
	id     string
	method string
	args   any

	mu       sync.Mutex
	cond     *sync.Cond
	resolved bool // set once the call's outcome is known to be a plain
	// response or a stream; CallSync's initial wait gates on this, not ready
	ready  bool // set exactly once, terminal (stream fully drained/closed)
	result any
	err    error

	// Streaming fields, valid only once the call has been recognized as a
	// stream (the first fragment/end carries this information implicitly by
	// arriving instead of a plain response).
	streaming bool
	view      bool
	state     callState
	seqno     uint64          // highest fragment seqno observed
	closed    bool            // peer has ended (close) the iterator
	cache     map[uint64]any  // seqno -> value, populated only when view
	queue     []any           // FIFO of values for non-view streams
	queueDone bool            // true once an "end" sentinel has been queued

	callback func(value any, err error, done bool) // set for call_async

	conn *Connection
}

func newPendingCall(conn *Connection, id, method string, args any) *pendingCall {
	p := &pendingCall{id: id, method: method, args: args, conn: conn, state: stateInitial}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// complete delivers a terminal response/error and wakes any waiter. It is a
// no-op if the call was already completed, since "ready -> set" transitions
// are terminal (spec.md §3).
func (p *pendingCall) complete(result any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return
	}
	p.result, p.err = result, err
	p.ready = true
	p.resolved = true
	p.state = stateEnded
	p.cond.Broadcast()
	if p.callback != nil {
		p.callback(result, err, true)
	}
}

// wait blocks until the call is ready (terminal: a plain response arrived,
// or an error/abort/close ended it without ever streaming).
func (p *pendingCall) wait() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.ready {
		p.cond.Wait()
	}
	return p.result, p.err
}

// waitResolved blocks until the call's outcome is known to be either a
// plain response (ready becomes true with streaming == false) or the start
// of a stream (streaming becomes true on the first fragment). CallSync uses
// this instead of wait so it can return a ResultIterator as soon as
// streaming begins, without blocking for the whole stream to drain.
func (p *pendingCall) waitResolved() (any, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.resolved {
		p.cond.Wait()
	}
	return p.result, p.err, p.streaming
}

// deliverFragment appends one or more values from a fragment to the call's
// buffers, advancing seqno. Fragments for a call that has not yet been
// established are used to transition it into streaming mode.
func (p *pendingCall) deliverFragment(seqno uint64, values []any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready || p.closed {
		return
	}
	p.streaming = true
	p.resolved = true
	p.state = stateStreaming
	p.seqno = seqno
	if p.view {
		if p.cache == nil {
			p.cache = make(map[uint64]any)
		}
		// Only a single value is expected per fragment in view mode; callers
		// addressing by index rely on cache[seqno] being exactly that value.
		if len(values) > 0 {
			p.cache[seqno] = values[0]
		}
	} else {
		p.queue = append(p.queue, values...)
	}
	if p.callback != nil {
		for _, v := range values {
			p.callback(v, nil, false)
		}
	}
	p.cond.Broadcast()
}

// deliverEnd marks the stream as having no further fragments beyond seqno.
func (p *pendingCall) deliverEnd(seqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return
	}
	p.streaming = true
	p.resolved = true
	p.state = stateEnded
	p.seqno = seqno
	p.queueDone = true
	p.cond.Broadcast()
	if p.callback != nil {
		p.callback(nil, nil, true)
	}
}

// deliverClose marks the call fully disposed; after this the id is freed.
func (p *pendingCall) deliverClose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = stateClosed
	p.ready = true
	p.cond.Broadcast()
}

// abortOnClose is invoked by drop_pending_calls (connection shutdown): every
// outstanding call fails with ECONNABORTED.
func (p *pendingCall) abortOnClose() {
	p.complete(nil, NewRpcException(code.ECONNABORTED, "connection closed"))
}
