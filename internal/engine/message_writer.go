package engine

import (
	"context"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
)

// MessageWriter is the outbound half of a transport. Each call carries one or
// more newline-terminated JSON-RPC messages; ctx carries the send deadline.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

// HeaderWriter is implemented by transports that can attach per-message
// hints, such as HTTP headers, to a write.
type HeaderWriter interface {
	WriteMessageWithHeaders(ctx context.Context, msg jsonrpc.Message, headers map[string]string) error
}

// MessageWriterFunc adapts a plain function to MessageWriter.
type MessageWriterFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}
