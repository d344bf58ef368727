/*
Package dispatcher implements a bidirectional, framed RPC and event bus for
connecting cooperating processes across heterogeneous transports (unix
domain sockets with ancillary data, raw file-descriptor pairs, WebSocket, and
SSH-tunneled pipes).

Peers exchange JSON messages in two namespaces: rpc (request/response,
including pull-based streaming responses) and events (publish/subscribe with
wildcard masks). The core type is Connection, which multiplexes outstanding
calls and inbound event delivery over a single dispatcher/channel.Channel.
The same Connection type acts as both client and server, so two peers wired
back-to-back over an in-memory channel.Pipe exercise the full protocol
without a network.

# Calling a peer

	conn := dispatcher.NewConnection(ch, nil)
	defer conn.Close()

	result, err := conn.CallSync(ctx, "test.hello", []any{"freenas"}, nil)

# Serving calls

A Connection dispatches inbound rpc/call messages to a Context, an
externally supplied interface resolving a method name to a result (or a
Sequence to stream); package dispatcher/rpcsvc provides a reflection-based
reference implementation.

	conn := dispatcher.NewConnection(ch, &dispatcher.ConnectionOptions{
		Context: myContext,
	})

# Streaming

When a caller requests streaming (CallOptions.Streaming, optionally combined
with CallOptions.View for random access) and the peer streams its reply,
CallSync returns a *dispatcher.ResultIterator instead of a plain value; see
pending.go and
iterator.go for the pull-based fragment protocol.

# Events

Connection.EmitEvent publishes an event to the peer; SubscribeEvents installs
wildcard masks the remote side uses (when acting as a server) to filter
broadcasts. RegisterEventHandler attaches synchronous or asynchronous
handlers run by a single per-connection delivery worker, preserving
per-event-name ordering.
*/
package dispatcher
