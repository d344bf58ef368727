package testutil_test

import (
	"context"
	"testing"

	"github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/internal/testutil"
)

func TestNewPeers(t *testing.T) {
	hello := dispatcher.ContextFunc(func(ctx context.Context, method string, args any, sender *dispatcher.Connection, streaming bool) (any, error) {
		if method != "test.hello" {
			return nil, dispatcher.NewRpcException(2, "no such method %q", method)
		}
		list, _ := args.([]any)
		name, _ := list[0].(string)
		return "Hello World, " + name, nil
	})

	peers := testutil.MustNewPeers(t, &dispatcher.ConnectionOptions{Context: hello}, nil)

	result, err := peers.B.CallSync(context.Background(), "test.hello", []any{"freenas"}, nil)
	if err != nil {
		t.Fatalf("CallSync: %v", err)
	}
	if got, want := result, "Hello World, freenas"; got != want {
		t.Errorf("CallSync result = %q, want %q", got, want)
	}
}
