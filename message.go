package dispatcher

import (
	"encoding/json"

	"github.com/freenas/go-dispatcher/code"
)

// Namespaces.
const (
	nsRPC    = "rpc"
	nsEvents = "events"
)

// Message names, discriminating a (namespace, name) pair into one of the
// tagged variants described by spec.md §6.
const (
	nameCall         = "call"
	nameResponse     = "response"
	nameError        = "error"
	nameFragment     = "fragment"
	nameEnd          = "end"
	nameContinue     = "continue"
	nameAbort        = "abort"
	nameClose        = "close"
	nameAuth         = "auth"
	nameAuthService  = "auth_service"
	nameAuthToken    = "auth_token"
	nameEvent        = "event"
	nameEventBurst   = "event_burst"
	nameSubscribe    = "subscribe"
	nameUnsubscribe  = "unsubscribe"
	nameLogout       = "logout"
)

// envelope is the wire shape of every message: {namespace, name, id, args}.
// args is left as a raw JSON value because its schema depends on (namespace,
// name); it is built and read as a plain tree, as described below.
type envelope struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	ID        string          `json:"id,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
}

func (e *envelope) marshal() ([]byte, error) { return json.Marshal(e) }

func parseEnvelope(raw []byte) (*envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Namespace == "" || e.Name == "" {
		return nil, errProtocolInvalid
	}
	return &e, nil
}

var errProtocolInvalid = &RpcException{Code: code.EINVAL, Message: "malformed message"}

// The args payload of every message is built and read as a plain
// map[string]any (or, for continue/abort/close/logout, a bare scalar or
// nil) rather than a dedicated Go struct. This keeps descriptor-bearing
// values (fd.FileDescriptor leaves) and wire extension types structurally
// visible to normalizeTree/wire.Encode all the way down the tree; routing
// them through an intermediate struct field would force a JSON round trip
// that erases their Go type before CollectFDs ever sees them.

// eventArgs is the decoded shape of a single events/event payload, or one
// element of an events/event_burst "events" list.
type eventArgs struct {
	Name string
	Args any
}

// asMap type-asserts a decoded tree as the object shape most inbound
// payloads take, reporting errProtocolInvalid otherwise.
func asMap(tree any) (map[string]any, error) {
	m, ok := tree.(map[string]any)
	if !ok {
		return nil, errProtocolInvalid
	}
	return m, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// uint64Field reads a field decoded from JSON, where all numbers arrive as
// float64.
func uint64Field(m map[string]any, key string) uint64 {
	f, _ := m[key].(float64)
	return uint64(f)
}

func intField(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

func parseEventArgs(tree any) (eventArgs, error) {
	m, err := asMap(tree)
	if err != nil {
		return eventArgs{}, err
	}
	return eventArgs{Name: stringField(m, "name"), Args: m["args"]}, nil
}

func parseEventBurst(tree any) ([]eventArgs, error) {
	m, err := asMap(tree)
	if err != nil {
		return nil, err
	}
	raw, _ := m["events"].([]any)
	out := make([]eventArgs, 0, len(raw))
	for _, e := range raw {
		ev, err := parseEventArgs(e)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
