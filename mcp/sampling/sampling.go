package sampling

import (
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-client-go/mcp"
)

// Stop reasons defined by the protocol. Providers may report others.
const (
	StopReasonEndTurn      = "endTurn"
	StopReasonStopSequence = "stopSequence"
	StopReasonMaxTokens    = "maxTokens"
)

// TextBlock constructs a text content block.
func TextBlock(text string) mcp.ContentBlock {
	return mcp.ContentBlock{Type: "text", Text: text}
}

// TextResult builds an assistant reply carrying a single text block.
func TextResult(model, text, stopReason string) *mcp.CreateMessageResult {
	return &mcp.CreateMessageResult{
		Role:       mcp.RoleAssistant,
		Content:    TextBlock(text),
		Model:      model,
		StopReason: stopReason,
	}
}

// Validate checks a request received from a server.
func Validate(r *mcp.CreateMessageRequest) error {
	if r == nil {
		return fmt.Errorf("nil request")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("no messages provided")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("maxTokens must be positive, got %d", r.MaxTokens)
	}
	for i, m := range r.Messages {
		if m.Role != mcp.RoleUser && m.Role != mcp.RoleAssistant {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if m.Content.Type == "" {
			return fmt.Errorf("message %d: empty content type", i)
		}
	}
	if t := r.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("temperature %v out of range", *t)
	}
	switch r.IncludeContext {
	case "", "none", "thisServer", "allServers":
	default:
		return fmt.Errorf("invalid includeContext %q", r.IncludeContext)
	}
	return nil
}

// Transcript renders the text blocks of a request as "role: text" lines.
// Non-text blocks are shown by type.
func Transcript(r *mcp.CreateMessageRequest) string {
	var b strings.Builder
	for _, m := range r.Messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		if m.Content.Type == "text" {
			b.WriteString(m.Content.Text)
		} else {
			fmt.Fprintf(&b, "[%s]", m.Content.Type)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
