package mcp

import "slices"

// LatestProtocolVersion is the newest protocol revision served.
const LatestProtocolVersion = "2025-06-18"

// FallbackProtocolVersion is assumed when a client omits the
// Mcp-Protocol-Version header.
const FallbackProtocolVersion = "2024-11-05"

// SupportedProtocolVersions lists accepted revisions, newest first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	FallbackProtocolVersion,
}

// IsSupportedProtocolVersion reports whether v is an accepted revision.
func IsSupportedProtocolVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// NegotiateProtocolVersion returns requested when it is supported and the
// latest revision otherwise, as the initialize handshake prescribes.
func NegotiateProtocolVersion(requested string) string {
	if IsSupportedProtocolVersion(requested) {
		return requested
	}
	return LatestProtocolVersion
}
