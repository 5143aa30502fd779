package mcpservice

import (
	"context"
	"log/slog"

	"github.com/ggoodman/fleetmcp/mcp"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is the reference Factory: it answers the initialize handshake,
// ping, logging/setLevel and the tools methods for every session it builds.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
	log          *slog.Logger
}

// NewServer builds a Server using functional options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info: mcp.ImplementationInfo{Name: "fleetmcp", Version: "dev"},
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets the implementation info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithTools exposes the tools of c to every session.
func WithTools(c *ToolsContainer) ServerOption {
	return func(s *Server) { s.tools = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// Factory returns s.NewSession as a Factory.
func (s *Server) Factory() Factory { return s.NewSession }

// NewSession implements Factory.
func (s *Server) NewSession(ctx context.Context, info SessionInfo, peer Peer) (Handler, error) {
	sess := &Session{
		srv:      s,
		info:     info,
		peer:     peer,
		logLevel: mcp.LoggingLevelInfo,
		done:     make(chan struct{}),
	}
	if s.tools != nil {
		ch, unsubscribe := s.tools.Subscribe()
		sess.unsubscribe = unsubscribe
		go sess.forwardToolChanges(ch)
	}
	return sess, nil
}

func (s *Server) capabilities() mcp.ServerCapabilities {
	caps := mcp.ServerCapabilities{Logging: &struct{}{}}
	if s.tools != nil {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	return caps
}
