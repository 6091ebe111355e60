// Package streaminghttp implements the client side of the MCP Streamable
// HTTP transport.
//
// Each outbound payload is a POST to the server's MCP endpoint with
// Accept: application/json, text/event-stream. The server answers with:
//
//   - 202 Accepted and no body, for notifications and responses;
//   - an application/json body holding the reply;
//   - a text/event-stream body carrying related notifications and requests
//     followed by the reply.
//
// Bodies are consumed in the background so a long-running call never holds up
// later sends.
//
// # Sessions
//
// The Mcp-Session-Id assigned on the initialize reply is echoed on every later
// request together with MCP-Protocol-Version. A 404 for a known session
// surfaces as ErrSessionExpired. Close ends the session with a DELETE.
//
// # Authorization
//
// WithTokenSource wraps the HTTP client in an oauth2.Transport so every
// request carries a bearer token.
//
// Example:
//
//	t, err := streaminghttp.New("https://api.example/mcp",
//	    streaminghttp.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})),
//	)
//	if err != nil { log.Fatal(err) }
//	c := mcpclient.New(t)
package streaminghttp
