package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/internal/logctx"
	"github.com/ggoodman/fleetmcp/internal/metrics"
	"github.com/ggoodman/fleetmcp/internal/ssestream"
	"github.com/ggoodman/fleetmcp/mcp"
	"github.com/ggoodman/fleetmcp/mcpservice"
	"github.com/ggoodman/fleetmcp/security"
	"github.com/ggoodman/fleetmcp/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

const (
	SessionIDHeader       = "Mcp-Session-Id"
	ProtocolVersionHeader = security.ProtocolVersionHeader

	// DefaultPath is the endpoint served when WithPath is not given.
	DefaultPath = "/mcp"
	// DefaultQueueSize bounds the per-session notification queue.
	DefaultQueueSize = 64
)

var jsonMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("application/json")}

// Handler implements the Streamable HTTP transport on a single endpoint.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	reg       *sessions.Registry
	factory   mcpservice.Factory
	metrics   *metrics.Metrics
	guards    []security.Middleware
	path      string
	queueSize int
	maxBody   int64
	newID     func() string
}

// Option configures a Handler.
type Option func(*Handler)

// WithPath sets the endpoint path. Defaults to DefaultPath.
func WithPath(p string) Option {
	return func(h *Handler) { h.path = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithMiddleware wraps every route in mws, first listed outermost. The
// security chain is installed this way.
func WithMiddleware(mws ...security.Middleware) Option {
	return func(h *Handler) { h.guards = append(h.guards, mws...) }
}

// WithQueueSize bounds how many notifications wait for a GET stream.
func WithQueueSize(n int) Option {
	return func(h *Handler) { h.queueSize = n }
}

// WithMaxBodyBytes caps POST bodies when no security chain decoded them.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// WithIDGenerator replaces uuid.NewString for session ids.
func WithIDGenerator(fn func() string) Option {
	return func(h *Handler) { h.newID = fn }
}

// New builds a Handler admitting sessions into reg and binding each one to a
// handler built by factory.
func New(reg *sessions.Registry, factory mcpservice.Factory, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("handler factory is required")
	}

	h := &Handler{
		reg:       reg,
		factory:   factory,
		log:       slog.Default(),
		path:      DefaultPath,
		queueSize: DefaultQueueSize,
		maxBody:   security.DefaultMaxBodyBytes,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.queueSize <= 0 {
		h.queueSize = DefaultQueueSize
	}
	h.log = logctx.New(h.log)

	route := func(fn http.HandlerFunc) http.Handler { return security.Chain(fn, h.guards...) }

	mux := http.NewServeMux()
	mux.Handle("POST "+h.path, route(h.handlePost))
	mux.Handle("GET "+h.path, route(h.handleGet))
	mux.Handle("DELETE "+h.path, route(h.handleDelete))
	h.mux = mux
	return h, nil
}

// Path returns the served endpoint path.
func (h *Handler) Path() string { return h.path }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	batch, ok := security.MessagesFrom(ctx)
	if !ok {
		msgs, status, vErr := security.ReadMessages(w, r, h.maxBody)
		if vErr != nil {
			jsonrpc.WriteHTTPError(w, status, vErr.Code, vErr.Error(), nil)
			h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", vErr.Error()))
			return
		}
		batch = msgs
	}

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		h.initialize(w, r, batch, start)
		return
	}

	tr, ok := h.lookup(sessID)
	if !ok {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "session not found", nil)
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	ctx = h.withSession(ctx, tr)

	if containsInitialize(batch.Msgs) {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	w.Header().Set(ProtocolVersionHeader, tr.ProtocolVersion())
	h.countMessages(batch.Msgs)

	var err error
	switch {
	case !containsRequest(batch.Msgs):
		err = tr.dispatch(ctx, batch.Msgs, func(*jsonrpc.Response) error { return nil })
		if err == nil {
			w.WriteHeader(http.StatusAccepted)
		}
	case onlyAcceptsEventStream(r):
		err = h.streamResponses(ctx, w, r, tr, batch.Msgs)
	default:
		err = h.writeJSONResponses(ctx, w, tr, batch)
	}
	if errors.Is(err, ErrNotActive) {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "session not found", nil)
		h.log.InfoContext(ctx, "session.inactive")
		return
	}
	if err != nil {
		h.log.ErrorContext(ctx, "http.post.fail", slog.String("err", err.Error()))
		return
	}

	h.reg.Touch(sessID)
	h.log.InfoContext(ctx, "http.post.ok", slog.Int("messages", len(batch.Msgs)), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request, batch *security.Messages, start time.Time) {
	ctx := r.Context()

	if len(batch.Msgs) != 1 || !batch.Msgs[0].IsRequest() || batch.Msgs[0].Method != string(mcp.InitializeMethod) {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "bad request: no valid session id provided", nil)
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	id := h.newID()
	pv := security.ProtocolVersionFrom(ctx)
	tr := newTransport(id, pv, h.queueSize, h.log)

	if err := h.reg.Add(id, sessions.KindStreamable, tr); err != nil {
		switch {
		case errors.Is(err, sessions.ErrRegistryFull):
			jsonrpc.WriteHTTPError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeSessionLimit, "too many sessions", map[string]int{"max": h.reg.Max()})
		case errors.Is(err, sessions.ErrRegistryClosed):
			jsonrpc.WriteHTTPError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeBadRequest, "server is shutting down", nil)
		default:
			jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to create session", nil)
		}
		h.log.WarnContext(ctx, "session.add.fail", slog.String("err", err.Error()))
		return
	}

	ctx = h.withSession(ctx, tr)
	abort := func() {
		if _, err := h.reg.Terminate(ctx, id); !errors.Is(err, sessions.ErrSessionNotFound) {
			h.metrics.SessionClosed(sessions.KindStreamable, sessions.ReasonInitFailed)
		}
	}

	handler, err := h.factory(ctx, mcpservice.SessionInfo{ID: id, Kind: sessions.KindStreamable, ProtocolVersion: pv}, tr)
	if err != nil {
		abort()
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to create session", nil)
		h.log.ErrorContext(ctx, "session.factory.fail", slog.String("err", err.Error()))
		return
	}
	tr.bind(handler)
	h.metrics.SessionOpened(sessions.KindStreamable)
	h.countMessages(batch.Msgs)

	if err := tr.transition(StateInitializing); err != nil {
		abort()
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to initialize session", nil)
		return
	}

	var res *jsonrpc.Response
	err = tr.dispatch(ctx, batch.Msgs, func(r *jsonrpc.Response) error {
		res = r
		return nil
	})
	if err != nil || res == nil {
		if err == nil {
			err = errors.New("initialize produced no response")
		}
		tr.fail(err)
		abort()
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to initialize session", nil)
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	if res.Error != nil {
		abort()
		if err := jsonrpc.WriteHTTPResponse(w, http.StatusOK, res); err != nil {
			h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "session.initialize.rejected", slog.Int("code", int(res.Error.Code)))
		return
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(res.Result, &result); err == nil && result.ProtocolVersion != "" {
		tr.setProtocolVersion(result.ProtocolVersion)
	}
	if err := tr.transition(StateActive); err != nil {
		abort()
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to initialize session", nil)
		return
	}

	w.Header().Set(SessionIDHeader, id)
	w.Header().Set(ProtocolVersionHeader, tr.ProtocolVersion())
	w.Header().Set("Access-Control-Expose-Headers", SessionIDHeader+", "+ProtocolVersionHeader)

	if onlyAcceptsEventStream(r) {
		stream, err := ssestream.Open(w, r)
		if err == nil {
			err = emitEvent(stream, res)
		}
		if err != nil {
			h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		}
	} else if err := jsonrpc.WriteHTTPResponse(w, http.StatusOK, res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.String("protocol_version", tr.ProtocolVersion()), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) writeJSONResponses(ctx context.Context, w http.ResponseWriter, tr *transport, batch *security.Messages) error {
	var responses []*jsonrpc.Response
	err := tr.dispatch(ctx, batch.Msgs, func(res *jsonrpc.Response) error {
		responses = append(responses, res)
		return nil
	})
	if err != nil {
		return err
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return nil
	}
	if batch.Batch {
		return jsonrpc.WriteHTTPResponse(w, http.StatusOK, responses)
	}
	return jsonrpc.WriteHTTPResponse(w, http.StatusOK, responses[0])
}

// streamResponses answers a POST as an SSE stream. Notifications raised while
// handling the requests are interleaved with the responses.
func (h *Handler) streamResponses(ctx context.Context, w http.ResponseWriter, r *http.Request, tr *transport, msgs []jsonrpc.AnyMessage) error {
	if tr.State() != StateActive {
		return ErrNotActive
	}
	stream, err := ssestream.Open(w, r)
	if err != nil {
		return err
	}
	defer stream.Close()

	return tr.dispatch(withRequestStream(ctx, stream), msgs, func(res *jsonrpc.Response) error {
		return emitEvent(stream, res)
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "missing Mcp-Session-Id header", nil)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	tr, ok := h.lookup(sessID)
	if !ok {
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "session not found", nil)
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	ctx = h.withSession(ctx, tr)

	w.Header().Set(ProtocolVersionHeader, tr.ProtocolVersion())
	stream, err := ssestream.Open(w, r)
	if err != nil {
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported", nil)
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	if err := tr.attachStream(stream); err != nil {
		if errors.Is(err, ErrStreamActive) {
			jsonrpc.WriteHTTPError(w, http.StatusConflict, jsonrpc.ErrorCodeBadRequest, "conflict: only one stream is allowed per session", nil)
		} else {
			jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "session not found", nil)
		}
		h.log.WarnContext(ctx, "sse.stream.reject", slog.String("err", err.Error()))
		return
	}
	defer tr.detachStream(stream)

	if err := stream.Comment("stream open"); err != nil {
		h.log.WarnContext(ctx, "sse.stream.open.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		select {
		case <-stream.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("cause", "client"), slog.Duration("dur", time.Since(start)))
			return
		case <-tr.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("cause", "session"), slog.Duration("dur", time.Since(start)))
			return
		case b := <-tr.outbound:
			if err := stream.Event(ssestream.EventMessage, b); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.reg.Touch(sessID)
		}
	}
}

// handleDelete terminates a session. Unknown or already terminated ids get
// 404 so repeated deletes are harmless.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "missing Mcp-Session-Id header", nil)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	if tr, ok := h.lookup(sessID); ok {
		ctx = h.withSession(ctx, tr)
	}
	if _, err := h.reg.Terminate(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			jsonrpc.WriteHTTPError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "session not found", nil)
			h.log.InfoContext(ctx, "session.delete.miss", slog.String("session_id", sessID))
			return
		}
		h.log.WarnContext(ctx, "session.delete.close.fail", slog.String("err", err.Error()))
	}
	h.metrics.SessionClosed(sessions.KindStreamable, sessions.ReasonTerminated)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok")
}

func (h *Handler) lookup(id string) (*transport, bool) {
	t, ok := h.reg.Get(id)
	if !ok {
		return nil, false
	}
	tr, ok := t.(*transport)
	return tr, ok
}

func (h *Handler) withSession(ctx context.Context, tr *transport) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       tr.id,
		Transport:       string(sessions.KindStreamable),
		ProtocolVersion: tr.ProtocolVersion(),
	})
}

func (h *Handler) countMessages(msgs []jsonrpc.AnyMessage) {
	for i := range msgs {
		h.metrics.MessageHandled(sessions.KindStreamable, msgs[i].Type())
	}
}

func emitEvent(s *ssestream.Stream, res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return s.Event(ssestream.EventMessage, b)
}

// onlyAcceptsEventStream reports whether the client ruled out JSON bodies.
func onlyAcceptsEventStream(r *http.Request) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes)
	return err != nil
}

func containsInitialize(msgs []jsonrpc.AnyMessage) bool {
	for i := range msgs {
		if msgs[i].IsRequest() && msgs[i].Method == string(mcp.InitializeMethod) {
			return true
		}
	}
	return false
}

func containsRequest(msgs []jsonrpc.AnyMessage) bool {
	for i := range msgs {
		if msgs[i].IsRequest() {
			return true
		}
	}
	return false
}
