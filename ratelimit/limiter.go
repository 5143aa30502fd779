package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// Store increments a counter that expires after ttl. The first increment of a
// key creates it with value 1.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is the end of the current window.
	ResetAt time.Time
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed by caller identity.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	prefix string
	clock  clockwork.Clock
	log    *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source used to align windows.
func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// WithKeyPrefix namespaces counter keys in a shared store.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New returns a limiter admitting limit requests per key per window.
func New(store Store, limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}
	l := &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
		clock:  clockwork.NewRealClock(),
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Limit returns the per-window allowance.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow counts one request for key. When the store fails the returned
// decision allows the request and the error is returned for logging.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.clock.Now()
	start := now.Truncate(l.window)
	reset := start.Add(l.window)

	d := Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAt: reset}

	bucket := l.prefix + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)
	count, err := l.store.Incr(ctx, bucket, l.window)
	if err != nil {
		return d, fmt.Errorf("ratelimit: incr %s: %w", bucket, err)
	}

	if count > int64(l.limit) {
		d.Allowed = false
		d.Remaining = 0
		d.RetryAfter = reset.Sub(now)
		l.log.DebugContext(ctx, "ratelimit.deny", slog.String("key", key), slog.Int64("count", count))
		return d, nil
	}
	d.Remaining = l.limit - int(count)
	return d, nil
}
