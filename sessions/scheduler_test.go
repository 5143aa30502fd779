package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestSchedulerRunsOnInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ran := make(chan struct{}, 4)
	s := NewScheduler("test", time.Second, fc, nil, func(ctx context.Context) {
		ran <- struct{}{}
	})

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(t.Context()); !errors.Is(err, ErrSchedulerRunning) {
		t.Fatalf("expected ErrSchedulerRunning, got %v", err)
	}

	fc.BlockUntil(1)
	fc.Advance(time.Second)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduled task did not run")
	}
}

func TestSchedulerStopWaitsAndIsIdempotent(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var runs atomic.Int32
	s := NewScheduler("test", time.Second, fc, nil, func(ctx context.Context) {
		runs.Add(1)
	})

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	s.Stop()

	fc.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("task ran %d times after stop", got)
	}

	// A stopped scheduler can be restarted.
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}

func TestSchedulerStartDuringStopIsRejected(t *testing.T) {
	fc := clockwork.NewFakeClock()
	cancelled := make(chan struct{})
	gate := make(chan struct{})
	s := NewScheduler("test", time.Second, fc, nil, func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
		<-gate
	})
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fc.BlockUntil(1)
	fc.Advance(time.Second)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not cancel the running task")
	}

	// The old loop is still inside its run.
	if err := s.Start(t.Context()); !errors.Is(err, ErrSchedulerRunning) {
		t.Fatalf("expected ErrSchedulerRunning while stopping, got %v", err)
	}

	close(gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return")
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	s.Stop()
}

func TestSchedulerRecoversPanics(t *testing.T) {
	fc := clockwork.NewFakeClock()
	calls := make(chan struct{}, 4)
	s := NewScheduler("test", time.Second, fc, nil, func(ctx context.Context) {
		calls <- struct{}{}
		panic("sweep exploded")
	})
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 2; i++ {
		fc.BlockUntil(1)
		fc.Advance(time.Second)
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d did not happen after a previous panic", i)
		}
	}
}

func TestNewJanitorValidatesConfig(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	valid := JanitorConfig{
		SessionTimeout:      time.Minute,
		CleanupInterval:     10 * time.Second,
		KeepAliveInterval:   20 * time.Second,
		MaxMissedHeartbeats: 3,
	}

	if _, err := NewJanitor(r, valid, nil); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := map[string]func(c *JanitorConfig){
		"keep-alive equals timeout": func(c *JanitorConfig) { c.KeepAliveInterval = c.SessionTimeout },
		"keep-alive above timeout":  func(c *JanitorConfig) { c.KeepAliveInterval = 2 * c.SessionTimeout },
		"zero cleanup interval":     func(c *JanitorConfig) { c.CleanupInterval = 0 },
		"zero max missed":           func(c *JanitorConfig) { c.MaxMissedHeartbeats = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			if _, err := NewJanitor(r, cfg, nil); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

func TestJanitorReapsIdleSessions(t *testing.T) {
	r, fc := newTestRegistry(t, 4)
	ft := &fakeTransport{}
	mustAdd(t, r, "idle", ft)

	results := make(chan CleanupResult, 8)
	j, err := NewJanitor(r, JanitorConfig{
		SessionTimeout:      10 * time.Second,
		CleanupInterval:     5 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		MaxMissedHeartbeats: 3,
		OnCleanup: func(res CleanupResult) {
			select {
			case results <- res:
			default:
			}
		},
	}, nil)
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if err := j.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer j.Stop()

	fc.BlockUntil(2)
	fc.Advance(11 * time.Second)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case res := <-results:
			if res.Removed == 1 {
				if r.Has("idle") {
					t.Fatalf("reported removal but session still registered")
				}
				if want, got := 1, ft.closeCount(); want != got {
					t.Fatalf("unexpected close attempts: want %d got %d", want, got)
				}
				return
			}
		case <-deadline:
			t.Fatalf("janitor did not reap the idle session")
		}
	}
}
