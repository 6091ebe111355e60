package mcpclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// CallOption adjusts a single typed call.
type CallOption func(*Operation)

// WithProgress asks the server for progress updates under token and routes
// them to fn until the call resolves.
func WithProgress(token mcp.ProgressToken, fn ProgressFunc) CallOption {
	return func(op *Operation) { op.Progress = &Progress{Token: token, Callback: fn} }
}

// WithTimeout overrides the client's default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(op *Operation) { op.Timeout = d }
}

// WithHeaders attaches transport hints to one call.
func WithHeaders(h map[string]string) CallOption {
	return func(op *Operation) { op.Headers = h }
}

// NewOperation builds an Operation from a typed params value, for use with
// Call and Batch.
func NewOperation(method mcp.Method, params any, opts ...CallOption) (Operation, error) {
	m, err := toParams(method, params)
	if err != nil {
		return Operation{}, err
	}
	op := Operation{Method: string(method), Params: m}
	for _, opt := range opts {
		opt(&op)
	}
	return op, nil
}

func call[T any](ctx context.Context, c *Client, method mcp.Method, params any, opts []CallOption) (*T, error) {
	op, err := NewOperation(method, params, opts...)
	if err != nil {
		return nil, err
	}
	raw, err := c.eng.Call(ctx, op)
	if err != nil {
		return nil, err
	}
	var out T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, mcperr.New(mcperr.ReasonInternalError, "malformed result", map[string]any{
				"method": string(method),
				"error":  err.Error(),
			})
		}
	}
	return &out, nil
}

// toParams flattens a params struct into the map form operations carry.
func toParams(method mcp.Method, params any) (map[string]any, error) {
	switch p := params.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, mcperr.InvalidParams(string(method), err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, mcperr.InvalidParams(string(method), err)
	}
	return m, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context, opts ...CallOption) error {
	_, err := call[mcp.EmptyResult](ctx, c, mcp.PingMethod, nil, opts)
	return err
}

func (c *Client) ListTools(ctx context.Context, cursor string, opts ...CallOption) (*mcp.ListToolsResult, error) {
	return call[mcp.ListToolsResult](ctx, c, mcp.ToolsListMethod,
		mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}, opts)
}

// CallTool invokes a tool. A tool-level failure is reported through
// IsError on the result, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, opts ...CallOption) (*mcp.CallToolResult, error) {
	return call[mcp.CallToolResult](ctx, c, mcp.ToolsCallMethod,
		mcp.CallToolRequest{Name: name, Arguments: args}, opts)
}

func (c *Client) ListResources(ctx context.Context, cursor string, opts ...CallOption) (*mcp.ListResourcesResult, error) {
	return call[mcp.ListResourcesResult](ctx, c, mcp.ResourcesListMethod,
		mcp.ListResourcesRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}, opts)
}

func (c *Client) ListResourceTemplates(ctx context.Context, cursor string, opts ...CallOption) (*mcp.ListResourceTemplatesResult, error) {
	return call[mcp.ListResourceTemplatesResult](ctx, c, mcp.ResourcesTemplatesListMethod,
		mcp.ListResourceTemplatesRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}, opts)
}

func (c *Client) ReadResource(ctx context.Context, uri string, opts ...CallOption) (*mcp.ReadResourceResult, error) {
	return call[mcp.ReadResourceResult](ctx, c, mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: uri}, opts)
}

// Subscribe asks for notifications/resources/updated on uri. Updates arrive
// through the notification handler.
func (c *Client) Subscribe(ctx context.Context, uri string, opts ...CallOption) error {
	_, err := call[mcp.EmptyResult](ctx, c, mcp.ResourcesSubscribeMethod, mcp.SubscribeRequest{URI: uri}, opts)
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, uri string, opts ...CallOption) error {
	_, err := call[mcp.EmptyResult](ctx, c, mcp.ResourcesUnsubscribeMethod, mcp.UnsubscribeRequest{URI: uri}, opts)
	return err
}

func (c *Client) ListPrompts(ctx context.Context, cursor string, opts ...CallOption) (*mcp.ListPromptsResult, error) {
	return call[mcp.ListPromptsResult](ctx, c, mcp.PromptsListMethod,
		mcp.ListPromptsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}, opts)
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string, opts ...CallOption) (*mcp.GetPromptResult, error) {
	return call[mcp.GetPromptResult](ctx, c, mcp.PromptsGetMethod, mcp.GetPromptRequest{Name: name, Arguments: args}, opts)
}

// SetLogLevel sets the minimum level of notifications/message the server
// sends.
func (c *Client) SetLogLevel(ctx context.Context, level mcp.LoggingLevel, opts ...CallOption) error {
	_, err := call[mcp.EmptyResult](ctx, c, mcp.LoggingSetLevelMethod, mcp.SetLevelRequest{Level: level}, opts)
	return err
}

func (c *Client) Complete(ctx context.Context, req mcp.CompleteRequest, opts ...CallOption) (*mcp.CompleteResult, error) {
	return call[mcp.CompleteResult](ctx, c, mcp.CompletionCompleteMethod, req, opts)
}
