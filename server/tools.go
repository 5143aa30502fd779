package server

import (
	"context"
	"strings"
	"time"

	"github.com/ggoodman/fleetmcp/mcp"
	"github.com/ggoodman/fleetmcp/mcpservice"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to send back"`
	// Repeat sends the text this many times, reporting progress after each.
	Repeat int `json:"repeat,omitempty" jsonschema:"minimum=0,maximum=10"`
}

type statusArgs struct{}

type statusSession struct {
	ID              string `json:"id"`
	Transport       string `json:"transport"`
	ProtocolVersion string `json:"protocolVersion"`
	Client          string `json:"client,omitempty"`
}

type statusOutput struct {
	Version  string         `json:"version"`
	Uptime   string         `json:"uptime"`
	Sessions healthSessions `json:"sessions"`
	Session  statusSession  `json:"session"`
}

// builtinTools are always registered. Fleet domain tools are added next to
// them through WithTools.
func (s *Server) builtinTools() []mcpservice.StaticTool {
	echo := mcpservice.NewTool[echoArgs]("echo",
		func(ctx context.Context, _ *mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
			a := r.Args()
			n := max(a.Repeat, 1)
			parts := make([]string, 0, n)
			for i := range n {
				parts = append(parts, a.Text)
				if err := w.SendProgress(float64(i+1), float64(n)); err != nil {
					return err
				}
			}
			return w.AppendText(strings.Join(parts, "\n"))
		},
		mcpservice.WithToolTitle("Echo"),
		mcpservice.WithToolDescription("Send the input text back. Useful for checking connectivity."),
		mcpservice.WithToolAnnotations(mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}),
	)

	status := mcpservice.NewToolWithOutput[statusArgs, statusOutput]("server_status",
		func(ctx context.Context, sess *mcpservice.Session, w mcpservice.ToolResponseWriterTyped[statusOutput], r *mcpservice.ToolRequest[statusArgs]) error {
			st := s.reg.Stats()
			info := sess.Info()
			out := statusOutput{
				Version: Version,
				Uptime:  s.clock.Since(s.started).Truncate(time.Second).String(),
				Sessions: healthSessions{
					Streamable: st.Streamable,
					Legacy:     st.Legacy,
					Total:      st.Total,
					Max:        st.Max,
				},
				Session: statusSession{
					ID:              info.ID,
					Transport:       string(info.Kind),
					ProtocolVersion: sess.ProtocolVersion(),
					Client:          sess.ClientInfo().Name,
				},
			}
			w.SetStructured(out)
			return nil
		},
		mcpservice.WithToolTitle("Server status"),
		mcpservice.WithToolDescription("Report server version, uptime and session occupancy."),
		mcpservice.WithToolAnnotations(mcp.ToolAnnotations{ReadOnlyHint: true}),
	)

	return []mcpservice.StaticTool{echo, status}
}
