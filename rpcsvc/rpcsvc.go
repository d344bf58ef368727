// Package rpcsvc provides a reference dispatcher.Context implementation
// built by reflection over registered Go methods: a convenient default for
// callers who would rather register plain Go functions than hand-write a
// Dispatch switch, not the only way to satisfy dispatcher.Context.
package rpcsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	dispatcher "github.com/freenas/go-dispatcher"
	"github.com/freenas/go-dispatcher/code"
)

// Handler is a single bound method. ctx carries the inbound Call (via
// dispatcher.InboundCall) for handlers that want the sender or raw id; args
// is the already-decoded request payload.
type Handler func(ctx context.Context, args any) (any, error)

// Map is a trivial dispatcher.Context that looks up method names in a
// static map of Handlers.
type Map map[string]Handler

// Dispatch implements dispatcher.Context.
func (m Map) Dispatch(ctx context.Context, method string, args any, _ *dispatcher.Connection, _ bool) (any, error) {
	h, ok := m[method]
	if !ok {
		return nil, dispatcher.NewRpcException(code.ENOENT, "no such method %q", method)
	}
	return h(ctx, args)
}

// Names lists the registered method names in sorted order.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceMap composes several Maps (or other dispatcher.Context values)
// under a "Service.Method" naming convention.
type ServiceMap map[string]dispatcher.Context

// Dispatch implements dispatcher.Context by splitting method on the first
// dot into a service name and the remainder, and delegating to the
// registered service.
func (m ServiceMap) Dispatch(ctx context.Context, method string, args any, sender *dispatcher.Connection, streaming bool) (any, error) {
	svc, rest, ok := strings.Cut(method, ".")
	if !ok {
		return nil, dispatcher.NewRpcException(code.ENOENT, "method %q has no service prefix", method)
	}
	target, ok := m[svc]
	if !ok {
		return nil, dispatcher.NewRpcException(code.ENOENT, "no such service %q", svc)
	}
	return target.Dispatch(ctx, rest, args, sender, streaming)
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// New adapts fn to a Handler by reflection. fn must have one of the shapes:
//
//	func(context.Context, X) (Y, error)
//	func(context.Context, X) error
//	func(X) (Y, error)
//	func(X) Y
//
// where X is any JSON-unmarshalable type (or omitted entirely, taking no
// arguments) and Y is any JSON-marshalable type (or omitted). The inbound
// args tree is re-marshaled to JSON and unmarshaled into X, since args
// arrives as a decoded any rather than raw bytes, so a function's shape is
// checked once at registration and the wrapper reuses it on every call,
// adapted for tree-shaped arguments instead of JSON-RPC's single params
// value.
//
// New panics if fn's type does not match one of the accepted forms; it is
// intended for use during registration at program startup.
func New(fn any) Handler {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Sprintf("rpcsvc: New: %T is not a function", fn))
	}

	takesCtx := t.NumIn() > 0 && t.In(0) == ctxType
	argOffset := 0
	if takesCtx {
		argOffset = 1
	}
	var argType reflect.Type
	switch t.NumIn() - argOffset {
	case 0:
	case 1:
		argType = t.In(argOffset)
	default:
		panic(fmt.Sprintf("rpcsvc: New: %T takes too many non-context parameters", fn))
	}

	reportsErr := t.NumOut() > 0 && t.Out(t.NumOut()-1) == errType
	var resultType reflect.Type
	switch {
	case t.NumOut() == 0:
	case t.NumOut() == 1 && reportsErr:
	case t.NumOut() == 1:
		resultType = t.Out(0)
	case t.NumOut() == 2 && reportsErr:
		resultType = t.Out(0)
	default:
		panic(fmt.Sprintf("rpcsvc: New: %T has an unsupported result shape", fn))
	}

	return func(ctx context.Context, args any) (any, error) {
		in := make([]reflect.Value, 0, t.NumIn())
		if takesCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		if argType != nil {
			argPtr := reflect.New(argType)
			if args != nil {
				data, err := json.Marshal(args)
				if err != nil {
					return nil, dispatcher.NewRpcException(code.EINVAL, "marshal args: %v", err)
				}
				if err := json.Unmarshal(data, argPtr.Interface()); err != nil {
					return nil, dispatcher.NewRpcException(code.EINVAL, "unmarshal args into %s: %v", argType, err)
				}
			}
			in = append(in, argPtr.Elem())
		}

		out := v.Call(in)
		if reportsErr {
			if errv := out[len(out)-1]; !errv.IsNil() {
				return nil, errv.Interface().(error)
			}
			out = out[:len(out)-1]
		}
		if resultType == nil {
			return nil, nil
		}
		return out[0].Interface(), nil
	}
}
