package mcpclient

import (
	"context"

	"github.com/ggoodman/mcp-client-go/internal/engine"
	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
)

// Transport carries newline-terminated JSON-RPC payloads to the server. Send
// must honor the deadline on ctx.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
	// SupportedProtocolVersions lists the revisions the transport can carry.
	// An empty list places no restriction.
	SupportedProtocolVersions() []string
}

// HeaderSender is implemented by transports that can attach per-call hints,
// such as HTTP headers, to a payload.
type HeaderSender interface {
	SendWithHeaders(ctx context.Context, data []byte, headers map[string]string) error
}

// Receiver accepts raw inbound payloads. *Client implements it.
type Receiver = interface {
	Receive(ctx context.Context, data []byte) error
}

// Starter is implemented by transports with a read side. Start launches it
// and returns once it is running; reads stop when ctx ends or the transport
// is closed.
type Starter interface {
	Start(ctx context.Context, r Receiver) error
}

// transportWriter adapts a Transport to the engine's outbound contract.
type transportWriter struct {
	t Transport
}

func (w transportWriter) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return w.t.Send(ctx, msg)
}

func (w transportWriter) WriteMessageWithHeaders(ctx context.Context, msg jsonrpc.Message, headers map[string]string) error {
	if hs, ok := w.t.(HeaderSender); ok {
		return hs.SendWithHeaders(ctx, msg, headers)
	}
	return w.t.Send(ctx, msg)
}

var (
	_ engine.MessageWriter = transportWriter{}
	_ engine.HeaderWriter  = transportWriter{}
)
