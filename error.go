package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/freenas/go-dispatcher/code"
)

// RpcException is the concrete error type carried on rpc/error messages and
// returned to Context implementations that need to fail a call with a
// specific code, carrying an errno-style Code plus a free-form Extra
// payload.
type RpcException struct {
	Code    code.Code       `json:"code"`
	Message string          `json:"message"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

func (e *RpcException) Error() string { return fmt.Sprintf("[%s] %s", e.Code, e.Message) }

// ErrCode satisfies the ErrCoder-shaped convention used to recover the
// machine-readable code from an arbitrary error value.
func (e *RpcException) ErrCode() code.Code { return e.Code }

// WithExtra marshals v as JSON and returns a copy of e with Extra set to the
// result. If v is nil or marshaling fails, e is returned unmodified.
func (e *RpcException) WithExtra(v any) *RpcException {
	if v == nil {
		return e
	}
	data, err := json.Marshal(v)
	if err != nil {
		return e
	}
	return &RpcException{Code: e.Code, Message: e.Message, Extra: data}
}

// NewRpcException constructs an *RpcException with the given code and
// formatted message.
func NewRpcException(c code.Code, msg string, args ...any) *RpcException {
	return &RpcException{Code: c, Message: fmt.Sprintf(msg, args...)}
}

// ErrCoder is implemented by errors that can report a wire Code.
type ErrCoder interface {
	ErrCode() code.Code
}

// CodeOf extracts a code.Code from err, defaulting to EIO for an opaque
// Go error and NoError for a nil one.
func CodeOf(err error) code.Code {
	if err == nil {
		return code.NoError
	}
	if c, ok := err.(ErrCoder); ok {
		return c.ErrCode()
	}
	return code.EIO
}

var (
	errConnClosed = fmt.Errorf("dispatcher: connection is closed")
	errNoContext  = &RpcException{Code: code.EINVAL, Message: "server functionality not supported"}
	errQueueLimit = &RpcException{Code: code.EBUSY, Message: "call queue limit exceeded"}
	errCallClosed = &RpcException{Code: code.ECANCELED, Message: "call is closed"}
)
