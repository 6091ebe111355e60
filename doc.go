// Package mcpclient is a client for the Model Context Protocol.
//
// A Client owns one Transport. Requests are correlated with their replies by
// a single event loop, so every pending request resolves exactly once: with
// the server's result, a server error, a timeout, a cancellation or a send
// failure. Failures are always *mcperr.Error values and can be matched on
// their Reason.
//
// Typical use:
//
//	t, err := stdio.NewCommand(exec.Command("my-server"))
//	if err != nil { log.Fatal(err) }
//	c := mcpclient.New(t, mcpclient.WithClientInfo(mcp.ImplementationInfo{Name: "my-client", Version: "0.1.0"}))
//	if err := c.Connect(ctx); err != nil { log.Fatal(err) }
//	if _, err := c.Initialize(ctx); err != nil { log.Fatal(err) }
//	tools, err := c.ListTools(ctx, "")
//
// Server-initiated traffic is handled on the client's behalf: ping and
// roots/list are answered directly, sampling/createMessage is routed to the
// handler given with WithSamplingHandler, and other notifications reach the
// handler given with WithNotificationHandler.
package mcpclient
