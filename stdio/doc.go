// Package stdio implements a single-connection MCP client transport over a
// byte stream: either a spawned server process's stdin/stdout or any
// io.Reader / io.Writer pair.
//
// Characteristics
//
//	Connection model : 1 client <-> 1 server process
//	Framing          : one JSON-RPC message (or batch) per line
//	Sessions         : none; the process lifetime is the session
//
// Example:
//
//	t, err := stdio.NewCommand(exec.Command("my-mcp-server"))
//	if err != nil { log.Fatal(err) }
//	c := mcpclient.New(t)
//	if err := c.Connect(ctx); err != nil { log.Fatal(err) }
//	if _, err := c.Initialize(ctx); err != nil { log.Fatal(err) }
//
// For servers reachable over the network prefer the streaminghttp transport.
package stdio
