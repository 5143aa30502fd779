package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/mcp"
)

// Session is the per-session Handler built by Server.
type Session struct {
	srv  *Server
	info SessionInfo
	peer Peer

	mu              sync.Mutex
	initialized     bool
	protocolVersion string
	client          mcp.ImplementationInfo
	clientCaps      mcp.ClientCapabilities
	logLevel        mcp.LoggingLevel

	unsubscribe func()
	closeOnce   sync.Once
	done        chan struct{}
}

var _ Handler = (*Session)(nil)
var _ Closer = (*Session)(nil)

// Info returns the transport-level identity of the session.
func (s *Session) Info() SessionInfo { return s.info }

// ProtocolVersion returns the negotiated version, or "" before initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns what the client reported during initialize.
func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Log sends a notifications/message to the client when level meets the
// threshold set through logging/setLevel.
func (s *Session) Log(ctx context.Context, level mcp.LoggingLevel, logger string, data any) error {
	s.mu.Lock()
	threshold := s.logLevel
	s.mu.Unlock()
	if !level.AtLeast(threshold) {
		return nil
	}
	return s.peer.Notify(ctx, string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotificationParams{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}

// Close implements Closer.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.done)
	})
}

// HandleMessage implements Handler.
func (s *Session) HandleMessage(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	switch msg.Type() {
	case "response":
		s.srv.log.DebugContext(ctx, "mcpservice.client_response.ignored")
		return nil, nil
	case "notification":
		s.handleNotification(ctx, msg.AsRequest())
		return nil, nil
	}

	req := msg.AsRequest()
	if req.Method != string(mcp.InitializeMethod) && req.Method != string(mcp.PingMethod) && !s.isInitialized() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil), nil
	}

	start := time.Now()
	log := s.srv.log.With(slog.String("method", req.Method))
	res, err := s.handleRequest(ctx, req)
	if err != nil {
		log.ErrorContext(ctx, "mcpservice.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil, err
	}
	if res.Error != nil {
		log.InfoContext(ctx, "mcpservice.handle_request.error", slog.Int("code", int(res.Error.Code)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	} else {
		log.InfoContext(ctx, "mcpservice.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	return res, nil
}

func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch req.Method {
	case string(mcp.InitializeMethod):
		return s.handleInitialize(ctx, req)
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case string(mcp.LoggingSetLevelMethod):
		return s.handleSetLevel(ctx, req)
	case string(mcp.ToolsListMethod):
		return s.handleToolsList(ctx, req)
	case string(mcp.ToolsCallMethod):
		return s.handleToolsCall(ctx, req)
	}
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", req.Method), nil
}

func (s *Session) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}
	s.initialized = true
	s.protocolVersion = mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	s.client = params.ClientInfo
	s.clientCaps = params.Capabilities
	version := s.protocolVersion
	s.mu.Unlock()

	s.srv.log.InfoContext(ctx, "mcpservice.initialize.ok",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("negotiated_version", version),
	)

	return jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.srv.capabilities(),
		ServerInfo:      s.srv.info,
		Instructions:    s.srv.instructions,
	})
}

func (s *Session) handleSetLevel(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || !mcp.IsValidLoggingLevel(params.Level) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	s.mu.Lock()
	s.logLevel = params.Level
	s.mu.Unlock()
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (s *Session) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if s.srv.tools == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}
	tools, next := s.srv.tools.ListTools(params.Cursor)
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{
		Tools:           tools,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	})
}

func (s *Session) handleToolsCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if s.srv.tools == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	res, err := s.srv.tools.Call(ctx, s, &params)
	if errors.Is(err, ErrToolNotFound) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool", params.Name), nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		}
		s.srv.log.ErrorContext(ctx, "mcpservice.tool.fail", slog.String("tool", params.Name), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (s *Session) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		s.srv.log.DebugContext(ctx, "mcpservice.initialized")
	case string(mcp.CancelledNotificationMethod):
		// Requests of a session are handled one at a time, so a cancellation
		// can only name a request that already completed.
		s.srv.log.DebugContext(ctx, "mcpservice.cancelled.ignored")
	default:
		s.srv.log.DebugContext(ctx, "mcpservice.notification.unhandled", slog.String("method", note.Method))
	}
}

func (s *Session) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) forwardToolChanges(ch <-chan struct{}) {
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if !s.isInitialized() {
				continue
			}
			if err := s.peer.Notify(context.Background(), string(mcp.ToolsListChangedNotificationMethod), nil); err != nil && !errors.Is(err, ErrPeerClosed) {
				s.srv.log.Warn("mcpservice.list_changed.fail", slog.String("session_id", s.info.ID), slog.String("err", err.Error()))
			}
		}
	}
}
