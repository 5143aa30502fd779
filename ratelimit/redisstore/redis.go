// Package redisstore implements ratelimit.Store on Redis so that several
// fleetmcp replicas share one request budget per client.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config for the Redis counter store.
type Config struct {
	// RedisURL like "redis://localhost:6379/0".
	RedisURL string
	// KeyPrefix namespaces every counter key.
	KeyPrefix string
}

// Store counts with INCR and expires with PEXPIRE in one transaction.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

// New dials Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cl := redis.NewClient(opts)
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewFromClient(cl, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(cl redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: cl, keyPrefix: keyPrefix}
}

// Incr implements ratelimit.Store.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, s.keyPrefix+key)
		p.PExpire(ctx, s.keyPrefix+key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Close closes the client when the store dialed it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
