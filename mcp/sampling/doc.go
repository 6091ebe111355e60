// Package sampling helps clients answer sampling/createMessage requests. The
// wire types live in package mcp; this package adds validation of inbound
// requests and small constructors for results.
//
// A sampling handler typically looks like:
//
//	func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
//	    prompt := sampling.Transcript(req)
//	    text, err := model.Complete(ctx, req.SystemPrompt, prompt, req.MaxTokens)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return sampling.TextResult("my-model", text, sampling.StopReasonEndTurn), nil
//	}
//
// The client validates each request with Validate before the handler runs.
package sampling
