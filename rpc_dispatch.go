package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/freenas/go-dispatcher/code"
)

// handleRPC dispatches one decoded rpc-namespace message. tree is the
// message's args value already passed through fd.Serializer.ReplaceFDs and
// wire.Decode (nil for abort/close/logout-shaped messages with no args).
func (c *Connection) handleRPC(env *envelope, tree any) {
	switch env.Name {
	case nameCall:
		c.handleInboundCall(env.ID, tree)
	case nameResponse:
		c.completeCall(env.ID, tree, nil)
	case nameError:
		c.completeCall(env.ID, nil, parseRpcError(tree))
	case nameFragment:
		c.handleFragment(env.ID, tree)
	case nameEnd:
		c.handleEnd(env.ID, tree)
	case nameContinue:
		c.handleContinue(env.ID, tree)
	case nameAbort:
		c.handleAbort(env.ID)
	case nameClose:
		c.handleClose(env.ID)
	case nameAuth:
		c.handleAuthRequest(env.ID, tree)
	case nameAuthService:
		c.handleAuthServiceRequest(env.ID, tree)
	case nameAuthToken:
		c.handleAuthTokenRequest(env.ID, tree)
	default:
		c.reportError(code.InvalidJSONResponse, fmt.Errorf("dispatcher: unknown rpc message %q", env.Name))
	}
}

func parseRpcError(tree any) error {
	m, ok := tree.(map[string]any)
	if !ok {
		return NewRpcException(code.EIO, "malformed error payload")
	}
	exc := &RpcException{Code: code.Code(intField(m, "code")), Message: stringField(m, "message")}
	if extra, ok := m["extra"]; ok && extra != nil {
		exc = exc.WithExtra(extra)
	}
	return exc
}

func (c *Connection) lookupCall(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.calls[id]
	return p, ok
}

func (c *Connection) completeCall(id string, result any, err error) {
	p, ok := c.lookupCall(id)
	if !ok {
		c.reportError(code.SpuriousRPCResponse, fmt.Errorf("dispatcher: %s for unknown call %q", nameResponse, id))
		return
	}
	p.complete(result, err)
	if err != nil {
		c.reportError(code.RPCCallError, err)
	}
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *Connection) handleFragment(id string, tree any) {
	p, ok := c.lookupCall(id)
	if !ok {
		c.reportError(code.SpuriousRPCResponse, fmt.Errorf("dispatcher: %s for unknown call %q", nameFragment, id))
		return
	}
	m, ok := tree.(map[string]any)
	if !ok {
		p.complete(nil, NewRpcException(code.EIO, "malformed fragment payload"))
		return
	}
	seqno := uint64Field(m, "seqno")
	p.deliverFragment(seqno, []any{m["fragment"]})
}

func (c *Connection) handleEnd(id string, tree any) {
	p, ok := c.lookupCall(id)
	if !ok {
		c.reportError(code.SpuriousRPCResponse, fmt.Errorf("dispatcher: %s for unknown call %q", nameEnd, id))
		return
	}
	seqno, _ := tree.(float64)
	p.deliverEnd(uint64(seqno))
}

// handleClose is the caller side of the streaming protocol: the sender has
// disposed of its iterator, so the call id is freed.
func (c *Connection) handleClose(id string) {
	c.mu.Lock()
	p, ok := c.calls[id]
	if ok {
		delete(c.calls, id)
	}
	c.mu.Unlock()
	if ok {
		p.deliverClose()
	}
}

// handleContinue and handleAbort are the sender side of the streaming
// protocol: id addresses one of this connection's pendingIterators.
func (c *Connection) handleContinue(id string, tree any) {
	c.mu.Lock()
	it, ok := c.iterators[id]
	c.mu.Unlock()
	if !ok {
		c.reportError(code.SpuriousRPCResponse, fmt.Errorf("dispatcher: %s for unknown iterator %q", nameContinue, id))
		return
	}
	seqno, _ := tree.(float64)
	v, end, endSeq, err := it.requestChunk(uint64(seqno))
	if err != nil {
		c.sendIteratorError(id, err)
		return
	}
	if end {
		c.finishIterator(id, it, endSeq)
		return
	}
	if err := c.sendEnvelope(nsRPC, nameFragment, id, map[string]any{"seqno": uint64(seqno), "fragment": v}); err != nil {
		c.handleTransportError(err)
	}
}

func (c *Connection) handleAbort(id string) {
	c.mu.Lock()
	it, ok := c.iterators[id]
	delete(c.iterators, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	it.close()
	if err := c.sendEnvelope(nsRPC, nameClose, id, nil); err != nil {
		c.handleTransportError(err)
	}
}

func (c *Connection) sendIteratorError(id string, err error) {
	c.mu.Lock()
	delete(c.iterators, id)
	c.mu.Unlock()
	exc, ok := err.(*RpcException)
	if !ok {
		exc = NewRpcException(code.EIO, "%s", err)
	}
	if sendErr := c.sendEnvelope(nsRPC, nameError, id, map[string]any{"code": int(exc.Code), "message": exc.Message}); sendErr != nil {
		c.handleTransportError(sendErr)
	}
}

func (c *Connection) finishIterator(id string, it *pendingIterator, endSeq uint64) {
	if err := c.sendEnvelope(nsRPC, nameEnd, id, endSeq); err != nil {
		c.handleTransportError(err)
		return
	}
	if it.view {
		// View iterators stay resident so request_chunk can still replay
		// already-delivered indices; they are freed only by abort. The
		// exhausted source itself is closed now.
		it.close()
		return
	}
	c.mu.Lock()
	delete(c.iterators, id)
	c.mu.Unlock()
	it.close()
	if err := c.sendEnvelope(nsRPC, nameClose, id, nil); err != nil {
		c.handleTransportError(err)
	}
}

// --- inbound rpc/call dispatch ---------------------------------------------

func (c *Connection) handleInboundCall(id string, tree any) {
	m, _ := tree.(map[string]any)
	method := stringField(m, "method")
	args := m["args"]
	view := boolField(m, "view")

	ctxImpl := c.opts.context()
	if ctxImpl == nil {
		c.replyError(id, errNoContext)
		return
	}
	if c.sem != nil {
		if !c.sem.TryAcquire(1) {
			c.replyError(id, errQueueLimit)
			return
		}
	}
	streaming := c.opts.streaming()
	c.dispatchAsync(func() {
		if c.sem != nil {
			defer c.sem.Release(1)
		}
		callsDispatchedCount.Add(1)
		ctx := withInboundCall(context.Background(), c, &Call{ID: id, Method: method, Args: args, Sender: c, Streaming: streaming})
		if m := c.opts.metrics(); m != nil {
			ctx = context.WithValue(ctx, metricsWriterKey, m)
		}
		result, err := ctxImpl.Dispatch(ctx, method, args, c, streaming)
		if err != nil {
			c.replyError(id, err)
			return
		}
		seq, isSeq := result.(Sequence)
		if !isSeq || !streaming {
			if isSeq {
				result = c.drainSequence(seq)
			}
			if err := c.sendEnvelope(nsRPC, nameResponse, id, result); err != nil {
				c.handleTransportError(err)
			}
			return
		}
		c.startIteratorReply(id, seq, view)
	})
}

func (c *Connection) drainSequence(seq Sequence) []any {
	var out []any
	for {
		v, ok, err := seq.Next()
		if err != nil || !ok {
			break
		}
		out = append(out, v)
	}
	seq.Close()
	return out
}

func (c *Connection) startIteratorReply(id string, seq Sequence, view bool) {
	it := newPendingIterator(seq, view)
	c.mu.Lock()
	c.iterators[id] = it
	c.mu.Unlock()

	seqno, v, ok, err := it.advance()
	if err != nil {
		c.mu.Lock()
		delete(c.iterators, id)
		c.mu.Unlock()
		c.replyError(id, err)
		return
	}
	if !ok {
		c.finishIterator(id, it, seqno)
		return
	}
	if err := c.sendEnvelope(nsRPC, nameFragment, id, map[string]any{"seqno": seqno, "fragment": v}); err != nil {
		c.handleTransportError(err)
	}
}

func (c *Connection) replyError(id string, err error) {
	exc, ok := err.(*RpcException)
	if !ok {
		exc = NewRpcException(code.EIO, "%s", err)
	}
	payload := map[string]any{"code": int(exc.Code), "message": exc.Message}
	if len(exc.Extra) > 0 {
		var extra any
		if json.Unmarshal(exc.Extra, &extra) == nil {
			payload["extra"] = extra
		}
	}
	callErrorsCount.Add(1)
	if sendErr := c.sendEnvelope(nsRPC, nameError, id, payload); sendErr != nil {
		c.handleTransportError(sendErr)
	}
}

// --- inbound authentication -------------------------------------------------

func (c *Connection) handleAuthRequest(id string, tree any) {
	m, _ := tree.(map[string]any)
	auth := c.opts.authenticator()
	if auth == nil {
		c.replyError(id, errNoContext)
		return
	}
	c.dispatchAsync(func() {
		tok, err := auth.AuthUser(context.Background(), stringField(m, "username"), stringField(m, "password"), boolField(m, "check_password"), stringField(m, "resource"))
		c.finishAuth(id, tok, err)
	})
}

func (c *Connection) handleAuthServiceRequest(id string, tree any) {
	m, _ := tree.(map[string]any)
	auth := c.opts.authenticator()
	if auth == nil {
		c.replyError(id, errNoContext)
		return
	}
	c.dispatchAsync(func() {
		tok, err := auth.AuthService(context.Background(), stringField(m, "name"))
		c.finishAuth(id, tok, err)
	})
}

func (c *Connection) handleAuthTokenRequest(id string, tree any) {
	m, _ := tree.(map[string]any)
	auth := c.opts.authenticator()
	if auth == nil {
		c.replyError(id, errNoContext)
		return
	}
	c.dispatchAsync(func() {
		tok, err := auth.AuthToken(context.Background(), stringField(m, "token"))
		c.finishAuth(id, tok, err)
	})
}

func (c *Connection) finishAuth(id, token string, err error) {
	if err != nil {
		c.replyError(id, err)
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	if sendErr := c.sendEnvelope(nsRPC, nameResponse, id, token); sendErr != nil {
		c.handleTransportError(sendErr)
	}
}

// --- events -----------------------------------------------------------------

func (c *Connection) handleEvents(env *envelope, tree any) {
	switch env.Name {
	case nameEvent:
		ev, err := parseEventArgs(tree)
		if err != nil {
			c.reportError(code.InvalidJSONResponse, err)
			return
		}
		eventsDeliveredCount.Add(1)
		c.events.push(eventEntry{name: ev.Name, args: ev.Args})
	case nameEventBurst:
		evs, err := parseEventBurst(tree)
		if err != nil {
			c.reportError(code.InvalidJSONResponse, err)
			return
		}
		entries := make([]eventEntry, len(evs))
		for i, ev := range evs {
			entries[i] = eventEntry{name: ev.Name, args: ev.Args}
		}
		eventsDeliveredCount.Add(int64(len(entries)))
		c.events.push(entries...)
	case nameSubscribe:
		c.subs.subscribe(toStringSlice(tree)...)
	case nameUnsubscribe:
		c.subs.unsubscribe(toStringSlice(tree)...)
	case nameLogout:
		c.reportError(code.Logout, fmt.Errorf("dispatcher: peer logged out"))
	default:
		c.reportError(code.InvalidJSONResponse, fmt.Errorf("dispatcher: unknown events message %q", env.Name))
	}
}

func toStringSlice(tree any) []string {
	raw, _ := tree.([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
