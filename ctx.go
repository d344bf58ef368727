package dispatcher

import "context"

type requestContextKey string

const (
	connectionKey    = requestContextKey("connection")
	inboundCallKey   = requestContextKey("inbound-call")
	metricsWriterKey = requestContextKey("metrics-writer")
)

// Call describes one in-flight inbound rpc/call request, for Context
// implementations and middleware that want more than Dispatch's positional
// arguments (for example to log the request id).
type Call struct {
	ID        string
	Method    string
	Args      any
	Sender    *Connection
	Streaming bool
}

// withInboundCall derives a context carrying both the Connection and the
// Call describing the request currently being dispatched on it.
func withInboundCall(ctx context.Context, c *Connection, call *Call) context.Context {
	ctx = context.WithValue(ctx, connectionKey, c)
	return context.WithValue(ctx, inboundCallKey, call)
}

// ConnectionFromContext returns the Connection associated with ctx, as set
// for the lifetime of an inbound Context.Dispatch call. It panics if ctx was
// not derived from such a call.
func ConnectionFromContext(ctx context.Context) *Connection {
	return ctx.Value(connectionKey).(*Connection)
}

// InboundCall returns the Call describing the in-flight inbound rpc/call
// request being dispatched, or nil outside of a dispatch.
func InboundCall(ctx context.Context) *Call {
	if v := ctx.Value(inboundCallKey); v != nil {
		return v.(*Call)
	}
	return nil
}

// MetricsWriter returns the *Metrics associated with ctx, or nil if ctx has
// none.
func MetricsWriter(ctx context.Context) *Metrics {
	if v := ctx.Value(metricsWriterKey); v != nil {
		return v.(*Metrics)
	}
	return nil
}
