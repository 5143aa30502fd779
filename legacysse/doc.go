// Package legacysse serves the two-endpoint HTTP+SSE transport used by
// older clients.
//
// A client opens GET /sse and receives an "endpoint" event naming the URL to
// POST its messages to (/messages?sessionId=<id>). Every POST is answered
// with 202 Accepted; the JSON-RPC responses travel back as "message" events
// on the open stream. The session ends when the stream closes.
//
// These routes are mounted outside the security chain, so POST bodies are
// validated here with the same structural checks.
package legacysse
