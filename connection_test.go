package dispatcher_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dispatcher "github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/code"
	"github.com/freenas/go-dispatcher/internal/testutil"
)

// sliceContext serves every inbound call with the same pre-computed
// sequence of values, for exercising the streaming/view-mode reply path
// without a real RpcContext implementation.
func sliceContext(values []any) dispatcher.Context {
	return dispatcher.ContextFunc(func(ctx context.Context, method string, args any, sender *dispatcher.Connection, streaming bool) (any, error) {
		return dispatcher.NewSliceSequence(values), nil
	})
}

func TestCallSync_StreamingInOrderDelivery(t *testing.T) {
	values := []any{1.0, 2.0, 3.0, 4.0, 5.0}
	peers := testutil.MustNewPeers(t, nil, &dispatcher.ConnectionOptions{
		Context:   sliceContext(values),
		Streaming: true,
	})

	result, err := peers.A.CallSync(context.Background(), "stream.count", nil, &dispatcher.CallOptions{Streaming: true})
	if err != nil {
		t.Fatalf("CallSync: %v", err)
	}
	it, ok := result.(*dispatcher.ResultIterator)
	if !ok {
		t.Fatalf("CallSync result = %T, want *dispatcher.ResultIterator", result)
	}

	var got []any
	for {
		v, ok, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, v)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d values, want %d: %v", len(got), len(values), got)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("value[%d] = %v, want %v (seqno monotonicity/order broken)", i, got[i], values[i])
		}
	}
}

func TestCallSync_AutoDrainsStreamWhenNotStreaming(t *testing.T) {
	values := []any{"a", "b", "c"}
	peers := testutil.MustNewPeers(t, nil, &dispatcher.ConnectionOptions{
		Context:   sliceContext(values),
		Streaming: true,
	})

	result, err := peers.A.CallSync(context.Background(), "stream.letters", nil, nil)
	if err != nil {
		t.Fatalf("CallSync: %v", err)
	}
	got, ok := result.([]any)
	if !ok {
		t.Fatalf("CallSync result = %T, want []any", result)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d values, want %d", len(got), len(values))
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("value[%d] = %v, want %v", i, got[i], values[i])
		}
	}
}

// countingSequence records how many values it has actually produced, so a
// test can distinguish a cache replay from a fresh call to Next.
type countingSequence struct {
	values   []any
	i        int
	produced *int32
}

func (s *countingSequence) Next() (any, bool, error) {
	if s.i >= len(s.values) {
		return nil, false, nil
	}
	v := s.values[s.i]
	s.i++
	atomic.AddInt32(s.produced, 1)
	return v, true, nil
}

func (s *countingSequence) Close() error { return nil }

func TestCallSync_ViewModeReplaysWithoutReproducing(t *testing.T) {
	values := []any{10.0, 20.0, 30.0}
	var produced int32
	seq := &countingSequence{values: values, produced: &produced}

	peers := testutil.MustNewPeers(t, nil, &dispatcher.ConnectionOptions{
		Context: dispatcher.ContextFunc(func(ctx context.Context, method string, args any, sender *dispatcher.Connection, streaming bool) (any, error) {
			return seq, nil
		}),
		Streaming: true,
	})

	result, err := peers.A.CallSync(context.Background(), "stream.view", nil, &dispatcher.CallOptions{Streaming: true, View: true})
	if err != nil {
		t.Fatalf("CallSync: %v", err)
	}
	it, ok := result.(*dispatcher.ResultIterator)
	if !ok {
		t.Fatalf("CallSync result = %T, want *dispatcher.ResultIterator", result)
	}

	ctx := context.Background()
	if v, err := it.Get(ctx, 0); err != nil || v != values[0] {
		t.Fatalf("Get(0) = %v, %v; want %v, nil", v, err, values[0])
	}
	if n := atomic.LoadInt32(&produced); n != 1 {
		t.Fatalf("produced = %d after first Get(0), want 1", n)
	}

	// Replaying an already-delivered index must not invoke the source
	// again, let alone round-trip to the peer.
	if v, err := it.Get(ctx, 0); err != nil || v != values[0] {
		t.Fatalf("replayed Get(0) = %v, %v; want %v, nil", v, err, values[0])
	}
	if n := atomic.LoadInt32(&produced); n != 1 {
		t.Fatalf("produced = %d after replayed Get(0), want still 1", n)
	}

	if v, err := it.Get(ctx, 1); err != nil || v != values[1] {
		t.Fatalf("Get(1) = %v, %v; want %v, nil", v, err, values[1])
	}
	if n := atomic.LoadInt32(&produced); n != 2 {
		t.Fatalf("produced = %d after Get(1), want 2", n)
	}

	if _, err := it.Get(ctx, 0); err != nil {
		t.Fatalf("replayed Get(0) after Get(1): %v", err)
	}
	if _, err := it.Get(ctx, 1); err != nil {
		t.Fatalf("replayed Get(1): %v", err)
	}
	if n := atomic.LoadInt32(&produced); n != 2 {
		t.Fatalf("produced = %d after replays, want still 2", n)
	}
}

func TestCallSync_Timeout(t *testing.T) {
	// The handler blocks past the call's timeout; its ctx is a fresh
	// context.Background() per call (rpc_dispatch.go's handleInboundCall), not
	// derived from the caller's deadline, so it only returns once block is
	// closed below.
	block := make(chan struct{})
	peers := testutil.MustNewPeers(t, nil, &dispatcher.ConnectionOptions{
		Context: dispatcher.ContextFunc(func(ctx context.Context, method string, args any, sender *dispatcher.Connection, streaming bool) (any, error) {
			<-block
			return "too late", nil
		}),
	})
	// Registered after MustNewPeers's own t.Cleanup(peers.Close), so it runs
	// first (cleanups run LIFO) and unblocks the handler before Close waits
	// for its dispatch goroutine to finish.
	t.Cleanup(func() { close(block) })

	_, err := peers.A.CallSync(context.Background(), "slow.method", nil, &dispatcher.CallOptions{Timeout: 20 * time.Millisecond})
	if err == nil {
		t.Fatal("CallSync: want timeout error, got nil")
	}
	exc, ok := err.(*dispatcher.RpcException)
	if !ok {
		t.Fatalf("CallSync err = %T (%v), want *dispatcher.RpcException", err, err)
	}
	if exc.Code != code.ETIMEDOUT {
		t.Errorf("CallSync err code = %v, want %v", exc.Code, code.ETIMEDOUT)
	}
}

func TestEventDelivery_PreservesPerSenderOrder(t *testing.T) {
	peers := testutil.MustNewPeers(t, nil, nil)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	peers.A.RegisterEventHandler("demo.tick", true, func(name string, args any) {
		mu.Lock()
		got = append(got, name+":"+args.(string))
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	for _, tag := range []string{"one", "two", "three"} {
		if err := peers.B.EmitEvent("demo.tick", tag); err != nil {
			t.Fatalf("EmitEvent: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"demo.tick:one", "demo.tick:two", "demo.tick:three"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
