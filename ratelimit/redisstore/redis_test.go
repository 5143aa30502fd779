package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/fleetmcp/ratelimit"
	"github.com/jonboulle/clockwork"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Config{RedisURL: "redis://" + mr.Addr(), KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestIncrSetsExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	for i := int64(1); i <= 2; i++ {
		n, err := s.Incr(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if want, got := i, n; want != got {
			t.Fatalf("unexpected count: want %d got %d", want, got)
		}
	}
	if ttl := mr.TTL("test:k"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	mr.FastForward(time.Minute)
	if mr.Exists("test:k") {
		t.Fatalf("counter survived its window")
	}
}

func TestLimiterOverRedis(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	fc := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	l, err := ratelimit.New(s, 2, time.Minute, ratelimit.WithClock(fc))
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	var allowed []bool
	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "192.0.2.1")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		allowed = append(allowed, d.Allowed)
	}
	fc.Advance(time.Minute)
	d, _ := l.Allow(ctx, "192.0.2.1")
	allowed = append(allowed, d.Allowed)

	want := []bool{true, true, false, true}
	for i := range want {
		if want[i] != allowed[i] {
			t.Fatalf("request %d: want allowed=%v got %v", i, want[i], allowed[i])
		}
	}
}

func TestNewFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := New(context.Background(), Config{RedisURL: "redis://" + addr}); err == nil {
		t.Fatalf("expected ping failure")
	}
}
