// Package mcperr defines the structured error value returned by every
// caller-facing operation of the client. An Error pairs a JSON-RPC compatible
// numeric code with a symbolic Reason. Several client-local failures share the
// catch-all code -32000, so calling code should match on Reason.
package mcperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/google/uuid"
)

// Reason is the symbolic error tag.
type Reason string

const (
	ReasonParseError       Reason = "parse_error"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonMethodNotFound   Reason = "method_not_found"
	ReasonInvalidParams    Reason = "invalid_params"
	ReasonInternalError    Reason = "internal_error"
	ReasonResourceNotFound Reason = "resource_not_found"
	ReasonRequestTimeout   Reason = "request_timeout"
	ReasonRequestCancelled Reason = "request_cancelled"
	ReasonRequestNotFound  Reason = "request_not_found"
	ReasonSendFailure      Reason = "send_failure"
	ReasonExecutionError   Reason = "execution_error"
	ReasonServerError      Reason = "server_error"
)

// Wire codes.
const (
	CodeParseError       = int(jsonrpc.ErrorCodeParseError)
	CodeInvalidRequest   = int(jsonrpc.ErrorCodeInvalidRequest)
	CodeMethodNotFound   = int(jsonrpc.ErrorCodeMethodNotFound)
	CodeInvalidParams    = int(jsonrpc.ErrorCodeInvalidParams)
	CodeInternalError    = int(jsonrpc.ErrorCodeInternalError)
	CodeResourceNotFound = int(jsonrpc.ErrorCodeResourceNotFound)
	CodeServerError      = int(jsonrpc.ErrorCodeServerError)
)

// Error is an immutable, structured failure.
type Error struct {
	Code    int
	Reason  Reason
	Message string
	Data    map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mcp %s (%d)", e.Reason, e.Code)
	}
	return fmt.Sprintf("mcp %s (%d): %s", e.Reason, e.Code, e.Message)
}

// Is matches another *Error with the same Reason, so
// errors.Is(err, &mcperr.Error{Reason: mcperr.ReasonRequestTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// New builds an Error whose code is derived from reason.
func New(reason Reason, message string, data map[string]any) *Error {
	return &Error{Code: CodeFor(reason), Reason: reason, Message: message, Data: data}
}

// CodeFor returns the wire code used for a reason.
func CodeFor(reason Reason) int {
	switch reason {
	case ReasonParseError:
		return CodeParseError
	case ReasonInvalidRequest:
		return CodeInvalidRequest
	case ReasonMethodNotFound:
		return CodeMethodNotFound
	case ReasonInvalidParams:
		return CodeInvalidParams
	case ReasonInternalError:
		return CodeInternalError
	case ReasonResourceNotFound:
		return CodeResourceNotFound
	default:
		return CodeServerError
	}
}

// ReasonOf extracts the Reason of err, or "" when err is not an *Error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsReason reports whether err is an *Error carrying reason.
func IsReason(err error, reason Reason) bool {
	return err != nil && ReasonOf(err) == reason
}

// As converts any error to an *Error, wrapping foreign errors as internal_error.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(ReasonInternalError, err.Error(), nil)
}

func ParseError(err error) *Error {
	return New(ReasonParseError, "parse error", map[string]any{"error": err.Error()})
}

func InvalidRequest(message string, data map[string]any) *Error {
	return New(ReasonInvalidRequest, message, data)
}

func InvalidParams(method string, err error) *Error {
	return New(ReasonInvalidParams, "invalid params", map[string]any{"method": method, "error": err.Error()})
}

func MethodNotFound(method string) *Error {
	return New(ReasonMethodNotFound, "method not found", map[string]any{"method": method})
}

func Internal(message string) *Error {
	return New(ReasonInternalError, message, nil)
}

// Timeout reports a request that outlived its deadline.
func Timeout(method string, elapsed time.Duration) *Error {
	return New(ReasonRequestTimeout, "request timed out", map[string]any{
		"method":     method,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// Cancelled reports a request resolved locally by cancellation.
func Cancelled(reason string) *Error {
	return New(ReasonRequestCancelled, "request cancelled", map[string]any{"reason": reason})
}

func RequestNotFound(id string) *Error {
	return New(ReasonRequestNotFound, "request not found", map[string]any{"id": id})
}

// SendFailure wraps a transport error.
func SendFailure(err error) *Error {
	return New(ReasonSendFailure, "failed to send", map[string]any{"error": err.Error()})
}

func Execution(message string, data map[string]any) *Error {
	return New(ReasonExecutionError, message, data)
}

// WireError is the error member of a JSON-RPC error reply.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// FromJSONRPC maps a wire error to an Error. Known codes keep their reason;
// anything else becomes server_error with the original code and message intact.
func FromJSONRPC(w WireError) *Error {
	var reason Reason
	switch w.Code {
	case CodeParseError:
		reason = ReasonParseError
	case CodeInvalidRequest:
		reason = ReasonInvalidRequest
	case CodeMethodNotFound:
		reason = ReasonMethodNotFound
	case CodeInvalidParams:
		reason = ReasonInvalidParams
	case CodeInternalError:
		reason = ReasonInternalError
	case CodeResourceNotFound:
		reason = ReasonResourceNotFound
	default:
		reason = ReasonServerError
	}
	return &Error{Code: w.Code, Reason: reason, Message: w.Message, Data: dataMap(w.Data)}
}

func dataMap(v any) map[string]any {
	switch d := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return d
	default:
		return map[string]any{"value": d}
	}
}

// ToJSONRPC serializes err as a newline-terminated JSON-RPC error reply. A nil
// id correlates with nothing, so a fresh one is generated.
func ToJSONRPC(err *Error, id any) ([]byte, error) {
	if id == nil {
		id = uuid.NewString()
	}
	var data any
	if len(err.Data) > 0 {
		data = err.Data
	}
	resp := jsonrpc.NewErrorResponse(jsonrpc.NewRequestID(id), jsonrpc.ErrorCode(err.Code), err.Message, data)
	b, mErr := json.Marshal(resp)
	if mErr != nil {
		return nil, fmt.Errorf("marshal error reply: %w", mErr)
	}
	return append(b, '\n'), nil
}
