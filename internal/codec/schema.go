package codec

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/google/jsonschema-go/jsonschema"
	invopop "github.com/invopop/jsonschema"
)

// paramTypes declares the parameter shape of every built-in method. Schemas
// are reflected from these structs so the Go types and the wire grammar
// cannot drift apart.
var paramTypes = map[mcp.Method]any{
	mcp.InitializeMethod:             new(mcp.InitializeRequest),
	mcp.PingMethod:                   new(mcp.PingRequest),
	mcp.ResourcesListMethod:          new(mcp.ListResourcesRequest),
	mcp.ResourcesReadMethod:          new(mcp.ReadResourceRequest),
	mcp.ResourcesTemplatesListMethod: new(mcp.ListResourceTemplatesRequest),
	mcp.ResourcesSubscribeMethod:     new(mcp.SubscribeRequest),
	mcp.ResourcesUnsubscribeMethod:   new(mcp.UnsubscribeRequest),
	mcp.PromptsListMethod:            new(mcp.ListPromptsRequest),
	mcp.PromptsGetMethod:             new(mcp.GetPromptRequest),
	mcp.ToolsListMethod:              new(mcp.ListToolsRequest),
	mcp.ToolsCallMethod:              new(mcp.CallToolRequest),
	mcp.LoggingSetLevelMethod:        new(mcp.SetLevelRequest),
	mcp.CompletionCompleteMethod:     new(mcp.CompleteRequest),
	mcp.RootsListMethod:              new(mcp.ListRootsRequest),
	mcp.SamplingCreateMessageMethod:  new(mcp.CreateMessageRequest),

	mcp.InitializedNotificationMethod:      new(mcp.InitializedNotification),
	mcp.CancelledNotificationMethod:        new(mcp.CancelledNotification),
	mcp.ProgressNotificationMethod:         new(mcp.ProgressNotificationParams),
	mcp.LoggingMessageNotificationMethod:   new(mcp.LoggingMessageNotification),
	mcp.ResourcesUpdatedNotificationMethod: new(mcp.ResourceUpdatedNotification),
}

type schemaTable struct {
	params   map[string]*jsonschema.Schema
	resolved map[string]*jsonschema.Resolved
	widened  map[string]*jsonschema.Resolved

	permissive *jsonschema.Resolved
	envelopes  map[envelopeKind]*jsonschema.Resolved

	mu sync.Mutex
}

var table = sync.OnceValue(buildTable)

func buildTable() *schemaTable {
	t := &schemaTable{
		params:    make(map[string]*jsonschema.Schema, len(paramTypes)),
		resolved:  make(map[string]*jsonschema.Resolved, len(paramTypes)),
		widened:   make(map[string]*jsonschema.Resolved),
		envelopes: make(map[envelopeKind]*jsonschema.Resolved),
	}

	for method, v := range paramTypes {
		s, err := reflectSchema(v)
		if err != nil {
			panic(fmt.Sprintf("codec: reflect params for %s: %v", method, err))
		}
		t.params[string(method)] = s
		t.resolved[string(method)] = mustResolve(s)
	}

	t.permissive = mustResolve(&jsonschema.Schema{Type: "object"})
	for kind, s := range envelopeSchemas() {
		t.envelopes[kind] = mustResolve(s)
	}
	return t
}

// reflectSchema turns a Go params struct into a validation schema. Additional
// properties are allowed so newer protocol revisions keep decoding.
func reflectSchema(v any) (*jsonschema.Schema, error) {
	r := &invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
		Anonymous:                 true,
	}
	b, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	delete(doc, "$schema")
	delete(doc, "$id")
	if b, err = json.Marshal(doc); err != nil {
		return nil, err
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func mustResolve(s *jsonschema.Schema) *jsonschema.Resolved {
	rs, err := s.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: resolve schema: %v", err))
	}
	return rs
}

// paramsSchema returns the schema for method. Unknown methods get an
// unconstrained object. When params carry _meta.progressToken the schema is
// widened to accept, and type-check, that key.
func (t *schemaTable) paramsSchema(method string, params map[string]any) *jsonschema.Resolved {
	base, known := t.params[method]
	if !hasProgressToken(params) {
		if known {
			return t.resolved[method]
		}
		return t.permissive
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.widened[method]; ok {
		return rs
	}
	if !known {
		base = &jsonschema.Schema{Type: "object"}
	}
	rs := mustResolve(widen(base))
	t.widened[method] = rs
	return rs
}

func widen(base *jsonschema.Schema) *jsonschema.Schema {
	w := *base
	w.Properties = maps.Clone(base.Properties)
	if w.Properties == nil {
		w.Properties = make(map[string]*jsonschema.Schema, 1)
	}
	w.Properties["_meta"] = &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"progressToken": {Types: []string{"string", "integer"}},
		},
		Required: []string{"progressToken"},
	}
	return &w
}

func hasProgressToken(params map[string]any) bool {
	meta, ok := params["_meta"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = meta["progressToken"]
	return ok
}

type envelopeKind string

const (
	envRequest      envelopeKind = "request"
	envNotification envelopeKind = "notification"
	envResponse     envelopeKind = "response"
	envError        envelopeKind = "error"
)

func envelopeSchemas() map[envelopeKind]*jsonschema.Schema {
	version := func() *jsonschema.Schema { return &jsonschema.Schema{Type: "string", Enum: []any{"2.0"}} }
	id := func() *jsonschema.Schema { return &jsonschema.Schema{Types: []string{"string", "integer"}} }
	params := func() *jsonschema.Schema { return &jsonschema.Schema{Type: "object"} }

	return map[envelopeKind]*jsonschema.Schema{
		envRequest: {
			Type:     "object",
			Required: []string{"jsonrpc", "method", "id"},
			Properties: map[string]*jsonschema.Schema{
				"jsonrpc": version(),
				"method":  {Type: "string", MinLength: intPtr(1)},
				"params":  params(),
				"id":      id(),
			},
		},
		envNotification: {
			Type:     "object",
			Required: []string{"jsonrpc", "method"},
			Properties: map[string]*jsonschema.Schema{
				"jsonrpc": version(),
				"method":  {Type: "string", MinLength: intPtr(1)},
				"params":  params(),
			},
		},
		envResponse: {
			Type:     "object",
			Required: []string{"jsonrpc", "result", "id"},
			Properties: map[string]*jsonschema.Schema{
				"jsonrpc": version(),
				"result":  {},
				"id":      id(),
			},
		},
		envError: {
			Type:     "object",
			Required: []string{"jsonrpc", "error", "id"},
			Properties: map[string]*jsonschema.Schema{
				"jsonrpc": version(),
				"error": {
					Type:     "object",
					Required: []string{"code", "message"},
					Properties: map[string]*jsonschema.Schema{
						"code":    {Type: "integer"},
						"message": {Type: "string"},
						"data":    {},
					},
				},
				// Errors answering unparseable input have nothing to correlate with.
				"id": {Types: []string{"string", "integer", "null"}},
			},
		},
	}
}

func intPtr(n int) *int { return &n }
