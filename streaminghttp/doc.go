// Package streaminghttp implements the Streamable HTTP transport: one
// endpoint (default /mcp) accepting POST, GET and DELETE.
//
// A POST without an Mcp-Session-Id header must carry a single initialize
// request. The handler admits a new session into the sessions.Registry,
// binds it to a handler built by the mcpservice.Factory and returns the new
// id in the Mcp-Session-Id response header. Later POSTs carry that header and
// may hold a single message or a batch; messages of one session are handled
// one at a time in arrival order. Responses are JSON unless the client only
// accepts text/event-stream, in which case they are written as SSE events
// interleaved with any notifications raised while handling them.
//
// A GET opens the session's notification stream. Only one stream per
// session may be open; heartbeats are SSE comments written on it.
// DELETE terminates the session.
//
// Each session's transport moves through pending, initializing, active,
// closing and closed. Transport-level rejections are answered with a
// JSON-RPC error envelope carrying a null id.
//
//	reg := sessions.NewRegistry(100)
//	h, err := streaminghttp.New(reg, server.Factory(),
//	    streaminghttp.WithMiddleware(security.New(cfg)),
//	)
//	mux.Handle("/mcp", h)
package streaminghttp
