package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

// DefaultMaxSessions bounds the registry when no explicit limit is given.
const DefaultMaxSessions = 100

// Registry is the bounded, process-local collection of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	max      int
	draining bool

	heartbeatTimeout time.Duration

	clock clockwork.Clock
	log   *slog.Logger
}

// entry is the mutable record behind a Session snapshot. Pointer identity
// distinguishes a session from a later one reusing the same id.
type entry struct {
	Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the time source. Defaults to the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger. Defaults to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithHeartbeatTimeout bounds each heartbeat. Defaults to
// DefaultHeartbeatTimeout.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatTimeout = d }
}

// NewRegistry builds a registry admitting at most maxSessions concurrent
// sessions. A non-positive limit falls back to DefaultMaxSessions.
func NewRegistry(maxSessions int, opts ...Option) *Registry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	r := &Registry{
		sessions: make(map[string]*entry),
		max:          maxSessions,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		clock:        clockwork.NewRealClock(),
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.heartbeatTimeout <= 0 {
		r.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return r
}

// Clock returns the registry's time source.
func (r *Registry) Clock() clockwork.Clock { return r.clock }

// Max returns the admission limit.
func (r *Registry) Max() int { return r.max }

// Add admits a new session. It fails without mutating the registry when the
// registry is full, draining, or already holds id.
func (r *Registry) Add(id string, kind Kind, t Transport) error {
	if id == "" {
		return errors.New("session id is required")
	}
	if t == nil {
		return errors.New("transport is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return ErrRegistryClosed
	}
	if _, ok := r.sessions[id]; ok {
		return ErrSessionExists
	}
	if len(r.sessions) >= r.max {
		r.log.Warn("session.add.full", slog.Int("max", r.max), slog.String("kind", string(kind)))
		return ErrRegistryFull
	}

	now := r.clock.Now()
	r.sessions[id] = &entry{Session: Session{
		ID:           id,
		Kind:         kind,
		Transport:    t,
		CreatedAt:    now,
		LastActivity: now,
	}}
	r.log.Info("session.add.ok", slog.String("session_id", id), slog.String("kind", string(kind)), slog.Int("active", len(r.sessions)))
	return nil
}

// Get returns the transport for id. A hit counts as liveness evidence: it
// refreshes the activity timestamp and clears missed heartbeats.
func (r *Registry) Get(id string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	r.refreshLocked(e)
	return e.Transport, true
}

// Touch refreshes activity for id. It is a no-op when id is absent.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		r.refreshLocked(e)
	}
}

// Has reports membership without side effects.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[id]
	return ok
}

// Lookup returns a snapshot of the session without refreshing activity.
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// Remove deletes id and reports whether an entry existed. The transport is
// not closed; callers that remove a session own closing its transport.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	r.log.Info("session.remove.ok",
		slog.String("session_id", id),
		slog.String("kind", string(e.Kind)),
		slog.Duration("age", r.clock.Since(e.CreatedAt)),
		slog.Int("active", len(r.sessions)),
	)
	return true
}

// Terminate removes id and closes its transport. It returns
// ErrSessionNotFound when id is not live, so exactly one caller closes a
// given session. The snapshot is returned even when the close fails.
func (r *Registry) Terminate(ctx context.Context, id string) (Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return Session{}, ErrSessionNotFound
	}
	r.log.InfoContext(ctx, "session.terminate.ok",
		slog.String("session_id", id),
		slog.String("kind", string(e.Kind)),
		slog.Duration("age", r.clock.Since(e.CreatedAt)),
		slog.Int("active", active),
	)
	if err := closeTransport(ctx, e.Transport); err != nil {
		return e.Session, fmt.Errorf("close session %s: %w", id, err)
	}
	return e.Session, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats returns occupancy per transport generation.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Total: len(r.sessions), Max: r.max}
	for _, e := range r.sessions {
		switch e.Kind {
		case KindStreamable:
			st.Streamable++
		case KindLegacy:
			st.Legacy++
		}
	}
	return st
}

// Snapshot returns copies of every live session.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session)
	}
	return out
}

// Drain stops admitting new sessions. Existing sessions are unaffected.
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// CloseAll empties the registry and closes every transport concurrently.
// Individual close failures are logged and aggregated into the returned
// error; one failing or slow close never prevents the others.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	clear(r.sessions)
	r.mu.Unlock()

	r.log.InfoContext(ctx, "session.close_all.start", slog.Int("count", len(entries)))

	var g multierror.Group
	for _, e := range entries {
		g.Go(func() error {
			if err := closeTransport(ctx, e.Transport); err != nil {
				r.log.WarnContext(ctx, "session.close.fail", slog.String("session_id", e.ID), slog.String("err", err.Error()))
				return fmt.Errorf("close session %s: %w", e.ID, err)
			}
			return nil
		})
	}

	merr := g.Wait()
	r.log.InfoContext(ctx, "session.close_all.done", slog.Int("count", len(entries)), slog.Int("failed", failedCount(merr)))
	return merr.ErrorOrNil()
}

func (r *Registry) refreshLocked(e *entry) {
	if now := r.clock.Now(); now.After(e.LastActivity) {
		e.LastActivity = now
	}
	e.MissedHeartbeats = 0
}

// collect returns the live entries matching pred.
func (r *Registry) collect(pred func(*entry) bool) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*entry
	for _, e := range r.sessions {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// take removes e if it is still the live entry for its id and pred holds.
// It returns a snapshot of the removed session.
func (r *Registry) take(e *entry, pred func(*entry) bool) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[e.ID]; !ok || cur != e {
		return Session{}, false
	}
	if pred != nil && !pred(e) {
		return Session{}, false
	}
	delete(r.sessions, e.ID)
	return e.Session, true
}

// update applies fn to e under the lock if e is still live.
func (r *Registry) update(e *entry, fn func(*entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[e.ID]; !ok || cur != e {
		return false
	}
	fn(e)
	return true
}

func closeTransport(ctx context.Context, t Transport) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport close panicked: %v", p)
		}
	}()
	return t.Close(ctx)
}

func failedCount(merr *multierror.Error) int {
	if merr == nil {
		return 0
	}
	return len(merr.Errors)
}

func since(c clockwork.Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
