package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

const testTimeout = 30 * time.Minute

func TestCleanupRemovesIdleSessionWhenHeartbeatFails(t *testing.T) {
	ctx := context.Background()
	r, fc := newTestRegistry(t, 4)
	p := &probingTransport{beatErr: errors.New("broken pipe")}
	mustAdd(t, r, "idle", p)
	mustAdd(t, r, "fresh", &fakeTransport{})

	fc.Advance(testTimeout + time.Second)
	r.Touch("fresh")

	res := r.Cleanup(ctx, testTimeout)
	if want, got := 1, res.Removed; want != got {
		t.Fatalf("unexpected removed count: want %d got %d", want, got)
	}
	if want, got := 1, res.Remaining; want != got {
		t.Fatalf("unexpected remaining count: want %d got %d", want, got)
	}
	if want, got := 1, p.closeCount(); want != got {
		t.Fatalf("unexpected close attempts: want %d got %d", want, got)
	}
	if r.Has("idle") {
		t.Fatalf("idle session still registered")
	}
	if len(res.Details) != 1 || res.Details[0].Outcome != OutcomeRemoved || res.Details[0].Duration < testTimeout {
		t.Fatalf("unexpected details: %+v", res.Details)
	}

	again := r.Cleanup(ctx, testTimeout)
	if again.Removed != 0 || again.Extended != 0 {
		t.Fatalf("second sweep was not a no-op: %+v", again)
	}
	if want, got := 1, p.closeCount(); want != got {
		t.Fatalf("second sweep closed the transport again: %d closes", got)
	}
}

func TestCleanupExtendsSessionWhenHeartbeatSucceeds(t *testing.T) {
	r, fc := newTestRegistry(t, 4)
	p := &probingTransport{}
	mustAdd(t, r, "quiet", p)

	fc.Advance(testTimeout + time.Minute)
	res := r.Cleanup(context.Background(), testTimeout)

	if res.Removed != 0 || res.Extended != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	s, ok := r.Lookup("quiet")
	if !ok {
		t.Fatalf("session evicted despite a successful heartbeat")
	}
	if idle := fc.Since(s.LastActivity); idle != 0 {
		t.Fatalf("idle clock not reset: %s", idle)
	}
	if want, got := 0, p.closeCount(); want != got {
		t.Fatalf("transport closed for a retained session")
	}
}

func TestCleanupRemovesSessionWithoutHeartbeat(t *testing.T) {
	r, fc := newTestRegistry(t, 4)
	ft := &fakeTransport{closeErr: errors.New("already closed")}
	mustAdd(t, r, "plain", ft)

	fc.Advance(testTimeout + time.Nanosecond)
	res := r.Cleanup(context.Background(), testTimeout)

	if want, got := 1, res.Removed; want != got {
		t.Fatalf("unexpected removed count: want %d got %d", want, got)
	}
	if res.Details[0].Err == nil {
		t.Fatalf("close error should be reported in the detail")
	}
	if r.Has("plain") {
		t.Fatalf("session without heartbeat capability retained")
	}
}

func TestCleanupIgnoresActiveSessions(t *testing.T) {
	r, fc := newTestRegistry(t, 4)
	p := &probingTransport{}
	mustAdd(t, r, "active", p)

	fc.Advance(testTimeout)
	res := r.Cleanup(context.Background(), testTimeout)

	if res.Removed != 0 || res.Extended != 0 || res.Remaining != 1 {
		t.Fatalf("unexpected result at exactly the timeout: %+v", res)
	}
	if p.beats != 0 {
		t.Fatalf("active session received a heartbeat")
	}
}

func TestHeartbeatEvictsAfterMaxMissed(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 4)
	p := &probingTransport{beatErr: errors.New("half-open")}
	mustAdd(t, r, "zombie", p)

	for i := 1; i < 3; i++ {
		res := r.Heartbeat(ctx, 3)
		if res.Failed != 1 || res.Evicted != 0 {
			t.Fatalf("sweep %d: unexpected result %+v", i, res)
		}
		s, ok := r.Lookup("zombie")
		if !ok {
			t.Fatalf("sweep %d: evicted too early", i)
		}
		if want, got := i, s.MissedHeartbeats; want != got {
			t.Fatalf("sweep %d: want %d missed got %d", i, want, got)
		}
	}

	// The session was never idle; eviction is driven by missed heartbeats alone.
	res := r.Heartbeat(ctx, 3)
	if want, got := 1, res.Evicted; want != got {
		t.Fatalf("unexpected evicted count: want %d got %d", want, got)
	}
	if r.Has("zombie") {
		t.Fatalf("session not evicted after max missed heartbeats")
	}
	if want, got := 1, p.closeCount(); want != got {
		t.Fatalf("unexpected close attempts: want %d got %d", want, got)
	}
}

func TestHeartbeatSuccessResetsMissed(t *testing.T) {
	ctx := context.Background()
	r, fc := newTestRegistry(t, 4)
	p := &probingTransport{beatErr: errors.New("flaky")}
	mustAdd(t, r, "flaky", p)

	r.Heartbeat(ctx, 3)
	r.Heartbeat(ctx, 3)

	p.setBeatErr(nil)
	fc.Advance(time.Minute)
	res := r.Heartbeat(ctx, 3)
	if want, got := 1, res.Succeeded; want != got {
		t.Fatalf("unexpected succeeded count: want %d got %d", want, got)
	}

	s, _ := r.Lookup("flaky")
	if want, got := 0, s.MissedHeartbeats; want != got {
		t.Fatalf("missed heartbeats not reset: want %d got %d", want, got)
	}
	if !s.LastActivity.Equal(fc.Now()) {
		t.Fatalf("successful heartbeat did not refresh activity")
	}
}

func TestHeartbeatSkipsTransportsWithoutHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	unsupported := &probingTransport{beatErr: ErrHeartbeatUnsupported}
	mustAdd(t, r, "no-stream", unsupported)
	mustAdd(t, r, "plain", &fakeTransport{})

	for i := 0; i < 5; i++ {
		res := r.Heartbeat(context.Background(), 1)
		if res.Evicted != 0 || res.Failed != 0 {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if s, _ := r.Lookup("no-stream"); s.MissedHeartbeats != 0 {
		t.Fatalf("unsupported heartbeat counted as a miss")
	}
	if want, got := 2, r.Len(); want != got {
		t.Fatalf("unexpected registry size: want %d got %d", want, got)
	}
}

// stalledTransport never answers a heartbeat until released.
type stalledTransport struct {
	fakeTransport
	release chan struct{}
}

func (s *stalledTransport) SendHeartbeat(ctx context.Context) error {
	<-s.release
	return nil
}

func TestHeartbeatBoundsStalledSend(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(4, WithClock(fc), WithHeartbeatTimeout(50*time.Millisecond))
	stalled := &stalledTransport{release: make(chan struct{})}
	defer close(stalled.release)
	healthy := &probingTransport{}
	mustAdd(t, r, "stalled", stalled)
	mustAdd(t, r, "healthy", healthy)

	done := make(chan HeartbeatResult, 1)
	go func() { done <- r.Heartbeat(context.Background(), 2) }()

	var res HeartbeatResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("heartbeat sweep blocked on a stalled transport")
	}
	if want, got := 1, res.Failed; want != got {
		t.Fatalf("unexpected failed count: want %d got %d", want, got)
	}
	if want, got := 1, res.Succeeded; want != got {
		t.Fatalf("unexpected succeeded count: want %d got %d", want, got)
	}
	s, ok := r.Lookup("stalled")
	if !ok {
		t.Fatalf("stalled session evicted after one miss")
	}
	if want, got := 1, s.MissedHeartbeats; want != got {
		t.Fatalf("unexpected missed count: want %d got %d", want, got)
	}

	res = r.Heartbeat(context.Background(), 2)
	if want, got := 1, res.Evicted; want != got {
		t.Fatalf("unexpected evicted count: want %d got %d", want, got)
	}
	if want, got := 1, stalled.closeCount(); want != got {
		t.Fatalf("unexpected close attempts: want %d got %d", want, got)
	}
}
