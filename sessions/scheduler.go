package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrSchedulerRunning is returned by Start on an already running scheduler.
var ErrSchedulerRunning = errors.New("scheduler already running")

// Scheduler runs a task on a fixed interval until stopped. It holds nothing
// across wakeups besides what the task closes over.
type Scheduler struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	clock    clockwork.Clock
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(name string, interval time.Duration, clock clockwork.Clock, log *slog.Logger, run func(ctx context.Context)) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{name: name, interval: interval, run: run, clock: clock, log: log}
}

// Start launches the loop. The loop ends when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler %s: interval must be positive", s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return ErrSchedulerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(s.interval)
	go s.loop(ctx, ticker, s.done)

	s.log.InfoContext(ctx, "scheduler.start", slog.String("name", s.name), slog.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and waits for an in-flight run to return. Start
// keeps reporting ErrSchedulerRunning until the old loop has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-done

	s.mu.Lock()
	if s.done == done {
		s.done = nil
	}
	s.mu.Unlock()
	if cancel != nil {
		s.log.Info("scheduler.stop", slog.String("name", s.name))
	}
}

func (s *Scheduler) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.log.ErrorContext(ctx, "scheduler.run.panic", slog.String("name", s.name), slog.Any("panic", p))
		}
	}()
	s.run(ctx)
}

// JanitorConfig controls the background sweeps.
type JanitorConfig struct {
	// SessionTimeout is the idle time after which Cleanup considers a session.
	SessionTimeout time.Duration
	// CleanupInterval is how often the idle sweep runs.
	CleanupInterval time.Duration
	// KeepAliveInterval is how often heartbeats are sent. Must be less than
	// SessionTimeout.
	KeepAliveInterval time.Duration
	// MaxMissedHeartbeats is the number of consecutive failed heartbeats that
	// evicts a session.
	MaxMissedHeartbeats int

	// OnCleanup and OnHeartbeat receive every sweep result.
	OnCleanup   func(CleanupResult)
	OnHeartbeat func(HeartbeatResult)
}

// Janitor runs the cleanup and heartbeat sweeps against a registry.
type Janitor struct {
	reg       *Registry
	cfg       JanitorConfig
	log       *slog.Logger
	cleanup   *Scheduler
	heartbeat *Scheduler
}

// NewJanitor validates cfg and builds a stopped janitor.
func NewJanitor(reg *Registry, cfg JanitorConfig, log *slog.Logger) (*Janitor, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.SessionTimeout <= 0 || cfg.CleanupInterval <= 0 || cfg.KeepAliveInterval <= 0 {
		return nil, errors.New("session timeout, cleanup interval and keep-alive interval must be positive")
	}
	if cfg.KeepAliveInterval >= cfg.SessionTimeout {
		return nil, fmt.Errorf("keep-alive interval (%s) must be less than session timeout (%s)", cfg.KeepAliveInterval, cfg.SessionTimeout)
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		return nil, errors.New("max missed heartbeats must be positive")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	j := &Janitor{reg: reg, cfg: cfg, log: log}
	j.cleanup = NewScheduler("cleanup", cfg.CleanupInterval, reg.Clock(), log, j.sweepIdle)
	j.heartbeat = NewScheduler("heartbeat", cfg.KeepAliveInterval, reg.Clock(), log, j.sweepHeartbeat)
	return j, nil
}

// Start launches both schedulers.
func (j *Janitor) Start(ctx context.Context) error {
	if err := j.cleanup.Start(ctx); err != nil {
		return err
	}
	if err := j.heartbeat.Start(ctx); err != nil {
		j.cleanup.Stop()
		return err
	}
	return nil
}

// Stop halts both schedulers and waits for in-flight sweeps.
func (j *Janitor) Stop() {
	j.cleanup.Stop()
	j.heartbeat.Stop()
}

func (j *Janitor) sweepIdle(ctx context.Context) {
	start := time.Now()
	res := j.reg.Cleanup(ctx, j.cfg.SessionTimeout)
	res.Took = time.Since(start)
	if res.Removed > 0 || res.Extended > 0 {
		j.log.InfoContext(ctx, "cleanup.sweep.done",
			slog.Int("removed", res.Removed),
			slog.Int("extended", res.Extended),
			slog.Int("remaining", res.Remaining),
		)
	} else {
		j.log.DebugContext(ctx, "cleanup.sweep.idle", slog.Int("remaining", res.Remaining))
	}
	if j.cfg.OnCleanup != nil {
		j.cfg.OnCleanup(res)
	}
}

func (j *Janitor) sweepHeartbeat(ctx context.Context) {
	start := time.Now()
	res := j.reg.Heartbeat(ctx, j.cfg.MaxMissedHeartbeats)
	res.Took = time.Since(start)
	if res.Failed > 0 || res.Evicted > 0 {
		j.log.InfoContext(ctx, "heartbeat.sweep.done",
			slog.Int("checked", res.Checked),
			slog.Int("failed", res.Failed),
			slog.Int("evicted", res.Evicted),
			slog.Int("remaining", res.Remaining),
		)
	}
	if j.cfg.OnHeartbeat != nil {
		j.cfg.OnHeartbeat(res)
	}
}
