// Package memorystore is the process-local ratelimit.Store.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type counter struct {
	n         int64
	expiresAt time.Time
}

// Store keeps counters in a map. Expired counters are dropped lazily.
type Store struct {
	mu        sync.Mutex
	counters  map[string]*counter
	clock     clockwork.Clock
	nextPurge time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for expiry.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{counters: make(map[string]*counter), clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Incr implements ratelimit.Store.
func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.After(s.nextPurge) {
		for k, c := range s.counters {
			if !now.Before(c.expiresAt) {
				delete(s.counters, k)
			}
		}
		s.nextPurge = now.Add(ttl)
	}

	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.n++
	return c.n, nil
}

// Len returns the number of live counters.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
