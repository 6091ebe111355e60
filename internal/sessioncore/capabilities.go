package sessioncore

import (
	"encoding/json"
	"strings"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// alwaysAllowed methods bypass the capability gate, including before the
// handshake completes.
var alwaysAllowed = map[string]bool{
	string(mcp.PingMethod):       true,
	string(mcp.InitializeMethod): true,
	string(mcp.RootsListMethod):  true,
}

// capabilityAliases lists additional capability keys that satisfy a
// namespace. Servers advertise completion support as "completions".
var capabilityAliases = map[string][]string{
	"completion": {"completions"},
}

// ValidateMethod decides whether method may be sent given the server's
// capability keys. A nil capability set means the handshake has not
// completed. Rejections happen before anything touches the transport.
func ValidateMethod(method string, serverCaps map[string]json.RawMessage) error {
	if alwaysAllowed[method] {
		return nil
	}
	if serverCaps == nil {
		return mcperr.New(mcperr.ReasonInternalError, "session not initialized", map[string]any{"method": method})
	}

	ns := Namespace(method)
	if _, ok := serverCaps[ns]; ok {
		return nil
	}
	for _, alias := range capabilityAliases[ns] {
		if _, ok := serverCaps[alias]; ok {
			return nil
		}
	}
	return mcperr.MethodNotFound(method)
}

// Namespace returns the capability namespace of a method: the part before the
// first slash, or the whole name when there is none.
func Namespace(method string) string {
	ns, _, _ := strings.Cut(method, "/")
	return ns
}
