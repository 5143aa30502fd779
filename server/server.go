// Package server assembles the fleetmcp HTTP surface: the Streamable HTTP
// endpoint behind the security chain, the optional legacy SSE routes, health
// and metrics, and the background session janitor.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/fleetmcp/config"
	"github.com/ggoodman/fleetmcp/internal/metrics"
	"github.com/ggoodman/fleetmcp/legacysse"
	"github.com/ggoodman/fleetmcp/mcp"
	"github.com/ggoodman/fleetmcp/mcpservice"
	"github.com/ggoodman/fleetmcp/ratelimit"
	"github.com/ggoodman/fleetmcp/ratelimit/memorystore"
	"github.com/ggoodman/fleetmcp/ratelimit/redisstore"
	"github.com/ggoodman/fleetmcp/security"
	"github.com/ggoodman/fleetmcp/sessions"
	"github.com/ggoodman/fleetmcp/streaminghttp"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

// Version is reported in serverInfo and /health.
var Version = "0.1.0"

const (
	HealthPath  = "/health"
	MetricsPath = "/metrics"
)

// Server owns every long-lived component of one fleetmcp process.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	clock   clockwork.Clock
	started time.Time

	reg        *sessions.Registry
	janitor    *sessions.Janitor
	metrics    *metrics.Metrics
	limiter    *ratelimit.Limiter
	store      ratelimit.Store
	streamable *streaminghttp.Handler
	legacy     *legacysse.Handler
	mux        *http.ServeMux

	httpSrv      *http.Server
	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	log     *slog.Logger
	clock   clockwork.Clock
	store   ratelimit.Store
	factory mcpservice.Factory
	tools   []mcpservice.StaticTool
}

// Option configures New.
type Option func(*options)

// WithLogger sets the root logger. Defaults to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock injects the time source shared by the registry, janitor and
// rate limiter.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRateLimitStore overrides the counter store. Without it the store is
// Redis when RATE_LIMIT_REDIS_URL is set and in-memory otherwise.
func WithRateLimitStore(s ratelimit.Store) Option {
	return func(o *options) { o.store = s }
}

// WithFactory replaces the built-in MCP service.
func WithFactory(f mcpservice.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithTools registers extra tools next to the built-in ones. Ignored when
// WithFactory is given.
func WithTools(tools ...mcpservice.StaticTool) Option {
	return func(o *options) { o.tools = append(o.tools, tools...) }
}

// New wires every component from cfg. Nothing listens until Serve.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		cfg:     cfg,
		log:     o.log,
		clock:   o.clock,
		started: o.clock.Now(),
		metrics: metrics.New(),
		mux:     http.NewServeMux(),
	}

	s.reg = sessions.NewRegistry(cfg.MaxSessions, sessions.WithClock(o.clock), sessions.WithLogger(o.log))
	s.metrics.WatchRegistry(s.reg)

	janitor, err := sessions.NewJanitor(s.reg, sessions.JanitorConfig{
		SessionTimeout:      cfg.SessionTimeout,
		CleanupInterval:     cfg.CleanupInterval,
		KeepAliveInterval:   cfg.KeepAliveInterval,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		OnCleanup:           s.metrics.ObserveCleanup,
		OnHeartbeat:         s.metrics.ObserveHeartbeat,
	}, o.log)
	if err != nil {
		return nil, fmt.Errorf("janitor: %w", err)
	}
	s.janitor = janitor

	store := o.store
	if store == nil {
		store, err = newStore(ctx, cfg, o.clock)
		if err != nil {
			return nil, err
		}
	}
	s.store = store

	s.limiter, err = ratelimit.New(store, cfg.RateLimitMax, cfg.RateLimitWindow,
		ratelimit.WithClock(o.clock),
		ratelimit.WithLogger(o.log),
	)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	factory := o.factory
	if factory == nil {
		factory = s.defaultFactory(o.tools)
	}

	guard := security.New(security.Config{
		AllowedHosts:   cfg.HostAllowList(),
		AllowedOrigins: cfg.AllowedOrigins(),
		EnforceOrigin:  !cfg.IsLoopbackBind(),
		Limiter:        s.limiter,
		ExemptPaths:    []string{HealthPath, MetricsPath},
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Logger:         o.log,
		OnReject: func(r security.Reason) {
			s.metrics.SecurityRejected(string(r))
		},
	})

	s.streamable, err = streaminghttp.New(s.reg, factory,
		streaminghttp.WithPath(cfg.Endpoint),
		streaminghttp.WithLogger(o.log),
		streaminghttp.WithMetrics(s.metrics),
		streaminghttp.WithMiddleware(guard),
		streaminghttp.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("streamable http handler: %w", err)
	}

	s.legacy, err = legacysse.New(s.reg, factory,
		legacysse.WithEnabled(cfg.EnableLegacySSE),
		legacysse.WithLogger(o.log),
		legacysse.WithMetrics(s.metrics),
		legacysse.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("legacy sse handler: %w", err)
	}

	ssePath, messagesPath := s.legacy.Paths()
	s.mux.Handle(cfg.Endpoint, s.streamable)
	s.mux.Handle(ssePath, s.legacy)
	s.mux.Handle(messagesPath, s.legacy)
	s.mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	s.mux.Handle("GET "+MetricsPath, s.metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(o.log.Handler(), slog.LevelWarn),
	}
	return s, nil
}

func newStore(ctx context.Context, cfg config.Config, clock clockwork.Clock) (ratelimit.Store, error) {
	if cfg.RateLimitRedisURL == "" {
		return memorystore.New(memorystore.WithClock(clock)), nil
	}
	st, err := redisstore.New(ctx, redisstore.Config{
		RedisURL:  cfg.RateLimitRedisURL,
		KeyPrefix: cfg.RateLimitKeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	return st, nil
}

func (s *Server) defaultFactory(extra []mcpservice.StaticTool) mcpservice.Factory {
	tools := mcpservice.NewToolsContainer(append(s.builtinTools(), extra...)...)
	svc := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "fleetmcp", Version: Version}),
		mcpservice.WithInstructions("fleetmcp exposes fleet management tools. Call server_status to inspect the server."),
		mcpservice.WithTools(tools),
		mcpservice.WithLogger(s.log),
	)
	return svc.Factory()
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Registry exposes the session registry.
func (s *Server) Registry() *sessions.Registry { return s.reg }

// Metrics exposes the collector set.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.httpSrv.Addr }

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpSrv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the janitor and serves on ln. It returns nil once Shutdown
// has stopped the listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.janitor.Start(context.WithoutCancel(ctx)); err != nil {
		_ = ln.Close()
		return fmt.Errorf("start janitor: %w", err)
	}

	s.log.InfoContext(ctx, "server.listen",
		slog.String("addr", ln.Addr().String()),
		slog.String("endpoint", s.cfg.Endpoint),
		slog.Bool("legacy_sse", s.cfg.EnableLegacySSE),
		slog.Int("max_sessions", s.cfg.MaxSessions),
	)
	if !s.cfg.IsLoopbackBind() && s.cfg.AllowedOriginsList == "" {
		s.log.WarnContext(ctx, "server.listen.exposed", slog.String("host", s.cfg.Host))
	}

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops admitting sessions, stops the janitor, closes every live
// session and finally shuts the HTTP server down. Close failures are logged
// and do not fail the shutdown; only a missed deadline does. Safe to call
// more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		start := time.Now()
		s.log.InfoContext(ctx, "server.shutdown.start", slog.Int("sessions", s.reg.Len()))

		s.reg.Drain()
		s.janitor.Stop()
		for _, sess := range s.reg.Snapshot() {
			s.metrics.SessionClosed(sess.Kind, sessions.ReasonShutdown)
		}
		if err := s.reg.CloseAll(ctx); err != nil {
			s.log.WarnContext(ctx, "server.shutdown.close_sessions", slog.String("err", err.Error()))
		}

		var merr *multierror.Error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.closeStore(); err != nil {
			s.log.WarnContext(ctx, "server.shutdown.store", slog.String("err", err.Error()))
		}

		s.shutdownErr = merr.ErrorOrNil()
		s.log.InfoContext(ctx, "server.shutdown.done", slog.Duration("took", time.Since(start)))
	})
	return s.shutdownErr
}

func (s *Server) closeStore() error {
	if c, ok := s.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
