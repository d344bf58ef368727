package dispatcher

import (
	"context"
	"sync"

	"github.com/freenas/go-dispatcher/code"
)

// Sequence is a lazy, single-pass source of values that an RpcContext may
// return from Dispatch to stream a response. Close is called once, either
// when the sequence is exhausted or when the receiver aborts.
type Sequence interface {
	// Next returns the next value. ok is false when the sequence is
	// exhausted; err reports a failure obtained while producing the value.
	Next() (value any, ok bool, err error)
	Close() error
}

// SliceSequence adapts a pre-computed slice to the Sequence interface, for
// RpcContext implementations (such as package rpcsvc) that materialize the
// whole result before streaming it.
type SliceSequence struct {
	values []any
	i      int
}

// NewSliceSequence returns a Sequence that yields each element of values in
// order.
func NewSliceSequence(values []any) *SliceSequence { return &SliceSequence{values: values} }

func (s *SliceSequence) Next() (any, bool, error) {
	if s.i >= len(s.values) {
		return nil, false, nil
	}
	v := s.values[s.i]
	s.i++
	return v, true, nil
}

func (s *SliceSequence) Close() error { return nil }

// pendingIterator is the server-side record for one lazy sequence being
// streamed to a peer (spec.md §3, "PendingIterator"). seqno is monotonic
// from 1; for view iterators, cache[seqno-1] holds the value already
// delivered for that seqno so that request_chunk(k) for k <= seqno can be
// replayed without re-invoking the source. The view cache is never trimmed,
// so a view over an unbounded Sequence grows without limit.
type pendingIterator struct {
	mu     sync.Mutex
	src    Sequence
	view   bool
	seqno  uint64
	cache  []any // index seqno-1, populated only when view
	ended  bool
	endSeq uint64
}

func newPendingIterator(src Sequence, view bool) *pendingIterator {
	return &pendingIterator{src: src, view: view}
}

// advance fetches the next value from the source, recording it at the next
// seqno. It reports ok=false once the source is exhausted, at which point
// endSeq is fixed (spec.md: "end seqno = count+1").
func (it *pendingIterator) advance() (seqno uint64, value any, ok bool, err error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.ended {
		return it.endSeq, nil, false, nil
	}
	v, ok, err := it.src.Next()
	if err != nil {
		return 0, nil, false, err
	}
	if !ok {
		it.ended = true
		it.endSeq = it.seqno + 1
		return it.endSeq, nil, false, nil
	}
	it.seqno++
	if it.view {
		it.cache = append(it.cache, v)
	}
	return it.seqno, v, true, nil
}

// requestChunk returns the value for seqno k, replaying from cache when
// available (view mode only) and otherwise advancing the source until it
// reaches seqno k or is exhausted.
func (it *pendingIterator) requestChunk(k uint64) (value any, end bool, endSeq uint64, err error) {
	it.mu.Lock()
	if it.view && k >= 1 && int(k) <= len(it.cache) {
		v := it.cache[k-1]
		it.mu.Unlock()
		return v, false, 0, nil
	}
	it.mu.Unlock()

	for {
		seqno, v, ok, err := it.advance()
		if err != nil {
			return nil, false, 0, err
		}
		if !ok {
			return nil, true, seqno, nil
		}
		if seqno >= k {
			return v, false, 0, nil
		}
	}
}

func (it *pendingIterator) close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.src == nil {
		return nil
	}
	err := it.src.Close()
	it.src = nil
	return err
}

// ResultIterator is the client-facing handle returned by CallSync when the
// peer replies with a streaming fragment rather than a plain response. It
// implements the pull-based flow-control protocol of spec.md §4.4.3.
type ResultIterator struct {
	call *pendingCall
	conn *Connection
	k    uint64 // not read by Next or Get, which track position through the call's seqno and cache
}

func newResultIterator(conn *Connection, call *pendingCall) *ResultIterator {
	return &ResultIterator{call: call, conn: conn}
}

// Next returns the next value in a non-view stream, blocking until it is
// available. ok is false once the stream has ended.
func (r *ResultIterator) Next(ctx context.Context) (value any, ok bool, err error) {
	p := r.call
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.queueDone || p.closed {
			return nil, false, p.err
		}
		// Flow control: request the next fragment, then wait for it.
		want := p.seqno + 1
		p.mu.Unlock()
		if err := r.conn.sendContinue(p.id, want); err != nil {
			p.mu.Lock()
			return nil, false, err
		}
		p.mu.Lock()
		for len(p.queue) == 0 && !p.queueDone && !p.closed {
			p.cond.Wait()
		}
	}
	v := p.queue[0]
	p.queue = p.queue[1:]
	return v, true, nil
}

// Get returns the value at index k (0-based) of a view-mode stream,
// requesting and blocking for it if it has not yet been delivered. A
// subsequent Get of the same k is served from cache without a round trip
// (spec.md §8).
func (r *ResultIterator) Get(ctx context.Context, k uint64) (any, error) {
	p := r.call
	seqno := k + 1
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if v, ok := p.cache[seqno]; ok {
			return v, nil
		}
		if p.closed {
			return nil, errCallClosed
		}
		if p.queueDone && p.seqno <= seqno {
			return nil, NewRpcException(code.ECANCELED, "stream closed before index %d", k)
		}
		p.mu.Unlock()
		if err := r.conn.sendContinue(p.id, seqno); err != nil {
			p.mu.Lock()
			return nil, err
		}
		p.mu.Lock()
		for p.seqno < seqno && !p.closed && !p.queueDone {
			p.cond.Wait()
		}
	}
}

// Abort cancels the stream: it tells the peer to dispose of its iterator and
// frees the call id once the peer confirms with close.
func (r *ResultIterator) Abort() error { return r.conn.abortCall(r.call.id) }
