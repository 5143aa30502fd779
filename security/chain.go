package security

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/mcp"
	"github.com/ggoodman/fleetmcp/ratelimit"
)

// DefaultMaxBodyBytes caps POST bodies when Config.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 4 << 20

// ProtocolVersionHeader carries the client's protocol revision.
const ProtocolVersionHeader = "Mcp-Protocol-Version"

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain wraps h so that mws run in the order given.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Reason labels a rejection for logs and metrics.
type Reason string

const (
	ReasonHost            Reason = "host"
	ReasonOrigin          Reason = "origin"
	ReasonRateLimit       Reason = "rate_limit"
	ReasonProtocolVersion Reason = "protocol_version"
	ReasonAccept          Reason = "accept"
	ReasonContentType     Reason = "content_type"
	ReasonBodyTooLarge    Reason = "body_too_large"
	ReasonJSONRPC         Reason = "jsonrpc"
)

// Config assembles the full chain.
type Config struct {
	// AllowedHosts lists accepted Host header values, with or without port.
	AllowedHosts []string
	// AllowedOrigins lists accepted Origin values.
	AllowedOrigins []string
	// EnforceOrigin makes a present Origin header mandatory to be listed.
	EnforceOrigin bool

	// Limiter enables rate limiting when non-nil.
	Limiter *ratelimit.Limiter
	// ExemptPaths are never rate limited.
	ExemptPaths []string

	MaxBodyBytes int64

	Logger *slog.Logger
	// OnReject observes every rejection.
	OnReject func(Reason)
}

// New returns the chain described by cfg as a single Middleware.
func New(cfg Config) Middleware {
	log := cfg.Logger
	if log == nil {
		log = discardLogger()
	}
	rej := rejecter{log: log, observe: cfg.OnReject}

	mws := []Middleware{
		hostCheck(cfg.AllowedHosts, cfg.AllowedOrigins, cfg.EnforceOrigin, rej),
	}
	if cfg.Limiter != nil {
		mws = append(mws, rateLimit(cfg.Limiter, cfg.ExemptPaths, rej))
	}
	mws = append(mws,
		protocolVersion(rej),
		acceptCheck(rej),
		contentTypeCheck(rej),
		validateJSONRPC(cfg.MaxBodyBytes, rej),
	)
	return func(h http.Handler) http.Handler { return Chain(h, mws...) }
}

type rejecter struct {
	log     *slog.Logger
	observe func(Reason)
}

func (rj rejecter) reject(w http.ResponseWriter, r *http.Request, reason Reason, status int, code jsonrpc.ErrorCode, msg string, data any) {
	rj.log.WarnContext(r.Context(), "security.reject", slog.String("reason", string(reason)), slog.Int("status", status))
	if rj.observe != nil {
		rj.observe(reason)
	}
	jsonrpc.WriteHTTPError(w, status, code, msg, data)
}

type protocolVersionKey struct{}

// WithProtocolVersion stores the request's protocol version in ctx.
func WithProtocolVersion(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, protocolVersionKey{}, v)
}

// ProtocolVersionFrom returns the protocol version validated by the chain, or
// the fallback revision when the chain did not run.
func ProtocolVersionFrom(ctx context.Context) string {
	if v, ok := ctx.Value(protocolVersionKey{}).(string); ok && v != "" {
		return v
	}
	return mcp.FallbackProtocolVersion
}

// Messages is a decoded POST body.
type Messages struct {
	Msgs  []jsonrpc.AnyMessage
	Batch bool
}

type messagesKey struct{}

// WithMessages stores decoded messages in ctx.
func WithMessages(ctx context.Context, m *Messages) context.Context {
	return context.WithValue(ctx, messagesKey{}, m)
}

// MessagesFrom returns the messages decoded by the chain.
func MessagesFrom(ctx context.Context) (*Messages, bool) {
	m, ok := ctx.Value(messagesKey{}).(*Messages)
	return m, ok && m != nil
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
