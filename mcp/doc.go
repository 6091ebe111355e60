// Package mcp contains the protocol data types and constants used by the
// client. It mirrors the wire representation of the Model Context Protocol
// while keeping the surface Go-friendly: exported structs with json tags,
// string constants for method names and enumerations, and small validation
// helpers.
//
// The package holds no transport or correlation logic. The codec reflects the
// request structs declared here into per-method parameter schemas, so optional
// fields carry omitempty and required fields do not.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Capabilities
//
// ClientCapabilities is what the client advertises in initialize.
// ServerCapabilities is the decoded view of what the server answered with.
// The capability gate itself operates on the raw key set returned by the
// server so that namespaces unknown to this package still work.
//
// # Protocol Versions
//
// LatestProtocolVersion is requested by default. Negotiation is exact match:
// a server answering with any other revision fails the handshake.
// SupportsBatching gates JSON-RPC batch submission on the negotiated revision;
// only 2025-03-26 allows batches.
package mcp
