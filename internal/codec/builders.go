package codec

import (
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// Request builds a request message map. A nil params is sent as {}.
func Request(id any, method string, params any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{"id": id, "method": method, "params": params}
}

// Notification builds a notification message map; nil params are omitted.
func Notification(method string, params any) map[string]any {
	m := map[string]any{"method": method}
	if params != nil {
		m["params"] = params
	}
	return m
}

// Result builds a success reply to a peer request.
func Result(id any, result any) map[string]any {
	if result == nil {
		result = map[string]any{}
	}
	return map[string]any{"id": id, "result": result}
}

// ErrorReply builds an error reply to a peer request. Empty data is omitted.
func ErrorReply(id any, err *mcperr.Error) map[string]any {
	e := map[string]any{"code": err.Code, "message": err.Message}
	if len(err.Data) > 0 {
		e["data"] = err.Data
	}
	return map[string]any{"id": id, "error": e}
}
