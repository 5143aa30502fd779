// Package mcp holds the Model Context Protocol wire types used by fleetmcp:
// method names, the initialize handshake, tools, logging levels and the
// set of protocol versions the transports accept.
//
// The package carries no transport logic. streaminghttp and legacysse frame
// these types; mcpservice builds them.
//
// # Protocol versions
//
// SupportedProtocolVersions lists every revision accepted in the
// Mcp-Protocol-Version header, newest first. A request without the header is
// treated as FallbackProtocolVersion, the oldest revision that predates the
// header. NegotiateProtocolVersion picks the version answered to an
// initialize request.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "restarted"}},
//	}
package mcp
