// Package security holds the ordered validation chain that guards the
// Streamable HTTP endpoint.
//
// The chain runs, in order: host/origin allow-listing, rate limiting,
// Mcp-Protocol-Version validation, Accept negotiation, Content-Type
// enforcement and JSON-RPC structural validation. The first failing step
// answers the request; later steps and the router never see it.
//
// Two values are handed to the router through the request context:
// ProtocolVersionFrom returns the validated (or defaulted) protocol version
// and MessagesFrom returns the decoded JSON-RPC messages of a POST body.
package security
