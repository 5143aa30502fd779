// Package mcpservice defines the contract between the transports and the
// code that answers MCP messages, and provides a reference implementation.
//
// A transport admits a session, then calls a Factory with the session's
// identity and a Peer for server-initiated notifications. The returned
// Handler receives every JSON-RPC message of that session, one at a time.
//
// Server is the reference Factory. It negotiates the protocol version during
// initialize and serves ping, logging/setLevel, tools/list and tools/call
// from a ToolsContainer:
//
//	type RestartArgs struct {
//	    Container string `json:"container" jsonschema:"description=Container name or id"`
//	}
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool[RestartArgs]("restart_container",
//	        func(ctx context.Context, s *mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[RestartArgs]) error {
//	            return w.AppendText("restarted " + r.Args().Container)
//	        },
//	        mcpservice.WithToolDescription("Restart a container"),
//	    ),
//	)
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "fleetmcp", Version: "1.0.0"}),
//	    mcpservice.WithTools(tools),
//	)
//	handler, err := streaminghttp.New(reg, srv.Factory())
//
// Tool input schemas are reflected from the argument struct with
// invopop/jsonschema. Unknown argument fields are rejected unless
// WithToolAllowAdditionalProperties is set.
package mcpservice
