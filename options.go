package mcpclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/storage"
)

// LogHandler receives notifications/message from the server.
type LogHandler func(ctx context.Context, msg mcp.LoggingMessageNotification)

// SamplingHandler answers sampling/createMessage requests from the server.
// Returning an *mcperr.Error sends that error to the server verbatim; any
// other error is reported as an execution error.
type SamplingHandler func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)

// NotificationHandler receives server notifications the client does not
// consume itself, such as notifications/tools/list_changed.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClientInfo sets the implementation info sent during initialize.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(c *Client) { c.info = info }
}

// WithCapabilities sets the capabilities advertised during initialize.
// WithSamplingHandler adds the sampling capability on its own.
func WithCapabilities(caps mcp.ClientCapabilities) Option {
	return func(c *Client) { c.caps = caps }
}

// WithProtocolVersion selects the revision requested during initialize.
func WithProtocolVersion(v string) Option {
	return func(c *Client) {
		if v != "" {
			c.version = v
		}
	}
}

// WithDefaultTimeout applies to calls that do not set their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogCallback receives notifications/message from the server in the
// order they arrive.
func WithLogCallback(fn LogHandler) Option {
	return func(c *Client) { c.onLog = fn }
}

// WithSamplingHandler answers server sampling requests and advertises the
// sampling capability.
func WithSamplingHandler(fn SamplingHandler) Option {
	return func(c *Client) { c.onSampling = fn }
}

// WithNotificationHandler receives server notifications the client does not
// consume itself, such as list_changed and resources/updated.
func WithNotificationHandler(fn NotificationHandler) Option {
	return func(c *Client) { c.onNotification = fn }
}

// WithRootStore persists the root set under the client's name so it
// survives restarts.
func WithRootStore(s storage.Storage) Option {
	return func(c *Client) { c.store = s }
}

// WithRootsTTL expires the persisted root set d after its last change.
func WithRootsTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.rootsTTL = d
		}
	}
}

// WithRootSession keeps the persisted root set apart for each session id,
// such as the Mcp-Session-Id of a resumed Streamable HTTP session, instead
// of sharing it across every connection of the client.
func WithRootSession(id string) Option {
	return func(c *Client) { c.rootsSession = id }
}
