package mcp

import "slices"

// Protocol revisions known to this module, oldest first.
const (
	ProtocolVersion20241105 = "2024-11-05"
	ProtocolVersion20250326 = "2025-03-26"
	ProtocolVersion20250618 = "2025-06-18"
)

// LatestProtocolVersion is the latest version of the protocol.
const LatestProtocolVersion = ProtocolVersion20250618

// MinBatchProtocolVersion is the first revision that allows JSON-RPC batches.
const MinBatchProtocolVersion = ProtocolVersion20250326

// BatchProtocolVersions lists the revisions that allow JSON-RPC batches.
// 2025-06-18 removed batching again.
var BatchProtocolVersions = []string{ProtocolVersion20250326}

// SupportedProtocolVersions lists every revision the client can speak.
var SupportedProtocolVersions = []string{
	ProtocolVersion20241105,
	ProtocolVersion20250326,
	ProtocolVersion20250618,
}

// IsSupportedProtocolVersion reports whether v is a revision this module knows.
func IsSupportedProtocolVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// SupportsBatching reports whether the negotiated revision permits batches.
func SupportsBatching(v string) bool {
	return slices.Contains(BatchProtocolVersions, v)
}
