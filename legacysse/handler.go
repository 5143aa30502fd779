package legacysse

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/internal/logctx"
	"github.com/ggoodman/fleetmcp/internal/metrics"
	"github.com/ggoodman/fleetmcp/internal/ssestream"
	"github.com/ggoodman/fleetmcp/mcpservice"
	"github.com/ggoodman/fleetmcp/security"
	"github.com/ggoodman/fleetmcp/sessions"
	"github.com/google/uuid"
)

const (
	DefaultSSEPath      = "/sse"
	DefaultMessagesPath = "/messages"
	// DefaultInboxSize bounds POST bodies waiting for the stream goroutine.
	DefaultInboxSize = 32

	sessionIDParam = "sessionId"
)

// Handler serves GET /sse and POST /messages.
type Handler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	reg          *sessions.Registry
	factory      mcpservice.Factory
	metrics      *metrics.Metrics
	enabled      bool
	ssePath      string
	messagesPath string
	inboxSize    int
	maxBody      int64
	newID        func() string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithEnabled turns the transport on or off. A disabled handler answers both
// routes with 501.
func WithEnabled(enabled bool) Option {
	return func(h *Handler) { h.enabled = enabled }
}

// WithPaths overrides the stream and message paths.
func WithPaths(ssePath, messagesPath string) Option {
	return func(h *Handler) { h.ssePath, h.messagesPath = ssePath, messagesPath }
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

func WithInboxSize(n int) Option {
	return func(h *Handler) { h.inboxSize = n }
}

func WithIDGenerator(fn func() string) Option {
	return func(h *Handler) { h.newID = fn }
}

// New builds an enabled Handler.
func New(reg *sessions.Registry, factory mcpservice.Factory, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("handler factory is required")
	}
	h := &Handler{
		reg:          reg,
		factory:      factory,
		log:          slog.Default(),
		enabled:      true,
		ssePath:      DefaultSSEPath,
		messagesPath: DefaultMessagesPath,
		inboxSize:    DefaultInboxSize,
		maxBody:      security.DefaultMaxBodyBytes,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.inboxSize <= 0 {
		h.inboxSize = DefaultInboxSize
	}
	h.log = logctx.New(h.log)

	mux := http.NewServeMux()
	if h.enabled {
		mux.HandleFunc("GET "+h.ssePath, h.handleStream)
		mux.HandleFunc("POST "+h.messagesPath, h.handleMessage)
	} else {
		mux.HandleFunc(h.ssePath, h.handleDisabled)
		mux.HandleFunc(h.messagesPath, h.handleDisabled)
	}
	h.mux = mux
	return h, nil
}

// Paths returns the stream and message paths, for mounting.
func (h *Handler) Paths() (ssePath, messagesPath string) { return h.ssePath, h.messagesPath }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleDisabled(w http.ResponseWriter, r *http.Request) {
	jsonrpc.WriteHTTPError(w, http.StatusNotImplemented, jsonrpc.ErrorCodeBadRequest, "legacy SSE transport is disabled", nil)
	h.log.InfoContext(r.Context(), "legacy.disabled")
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := h.newID()
	s := newSession(id, h.inboxSize, h.log)
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{
		SessionID:       id,
		Transport:       string(sessions.KindLegacy),
		ProtocolVersion: security.ProtocolVersionFrom(r.Context()),
	})

	if err := s.transition(StateConnecting); err != nil {
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to open stream", nil)
		return
	}
	if err := h.reg.Add(id, sessions.KindLegacy, s); err != nil {
		if errors.Is(err, sessions.ErrRegistryFull) {
			jsonrpc.WriteHTTPError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeSessionLimit, "too many sessions", map[string]int{"max": h.reg.Max()})
		} else {
			jsonrpc.WriteHTTPError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeBadRequest, "server is not accepting sessions", nil)
		}
		_ = s.transition(StateError)
		h.log.WarnContext(ctx, "session.add.fail", slog.String("err", err.Error()))
		return
	}
	// Whoever removes the session from the registry closes it.
	release := func(reason sessions.RemoveReason) {
		if _, err := h.reg.Terminate(ctx, id); !errors.Is(err, sessions.ErrSessionNotFound) {
			h.metrics.SessionClosed(sessions.KindLegacy, reason)
		}
	}

	stream, err := ssestream.Open(w, r)
	if err != nil {
		release(sessions.ReasonInitFailed)
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported", nil)
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	handler, err := h.factory(ctx, mcpservice.SessionInfo{
		ID:              id,
		Kind:            sessions.KindLegacy,
		ProtocolVersion: security.ProtocolVersionFrom(r.Context()),
	}, s)
	if err != nil {
		release(sessions.ReasonInitFailed)
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to create session", nil)
		h.log.ErrorContext(ctx, "session.factory.fail", slog.String("err", err.Error()))
		return
	}
	s.attach(stream, handler)
	h.metrics.SessionOpened(sessions.KindLegacy)
	defer release(sessions.ReasonDisconnect)

	if err := s.transition(StateConnected); err != nil {
		return
	}
	endpoint := h.messagesPath + "?" + url.Values{sessionIDParam: {id}}.Encode()
	if err := stream.Event("endpoint", []byte(endpoint)); err != nil {
		_ = s.transition(StateError)
		h.log.WarnContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
		return
	}
	if err := s.transition(StateStreaming); err != nil {
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		select {
		case <-stream.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("cause", "client"), slog.Duration("dur", time.Since(start)))
			return
		case <-s.done:
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("cause", "session"), slog.Duration("dur", time.Since(start)))
			return
		case msgs := <-s.inbox:
			if err := s.deliver(ctx, msgs); err != nil {
				_ = s.transition(StateError)
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.reg.Touch(id)
		}
	}
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.URL.Query().Get(sessionIDParam)
	if id == "" {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "missing sessionId parameter", nil)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	t, ok := h.reg.Get(id)
	s, isLegacy := t.(*session)
	if !ok || !isLegacy {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "session not found", nil)
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", id))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: string(sessions.KindLegacy)})

	if st := s.State(); !st.acceptsMessages() {
		jsonrpc.WriteHTTPError(w, http.StatusConflict, jsonrpc.ErrorCodeBadRequest, "session stream is "+st.String(), nil)
		h.log.WarnContext(ctx, "session.not_streaming", slog.String("state", st.String()))
		return
	}

	batch, status, vErr := security.ReadMessages(w, r, h.maxBody)
	if vErr != nil {
		jsonrpc.WriteHTTPError(w, status, vErr.Code, vErr.Error(), nil)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", vErr.Error()))
		return
	}

	if err := s.enqueue(batch.Msgs); err != nil {
		if errors.Is(err, ErrInboxFull) {
			jsonrpc.WriteHTTPError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeBadRequest, "session is busy", nil)
		} else {
			jsonrpc.WriteHTTPError(w, http.StatusConflict, jsonrpc.ErrorCodeBadRequest, "session stream is not open", nil)
		}
		h.log.WarnContext(ctx, "session.enqueue.fail", slog.String("err", err.Error()))
		return
	}
	for i := range batch.Msgs {
		h.metrics.MessageHandled(sessions.KindLegacy, batch.Msgs[i].Type())
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
	h.log.InfoContext(ctx, "legacy.message.accepted", slog.Int("messages", len(batch.Msgs)))
}
