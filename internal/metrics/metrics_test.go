package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/fleetmcp/sessions"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type nopTransport struct{}

func (nopTransport) Close(context.Context) error { return nil }

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened(sessions.KindStreamable)
	m.SessionClosed(sessions.KindLegacy, sessions.ReasonTerminated)
	m.MessageHandled(sessions.KindStreamable, "request")
	m.SecurityRejected("host")
	m.ObserveCleanup(sessions.CleanupResult{Removed: 1})
	m.ObserveHeartbeat(sessions.HeartbeatResult{Failed: 1})
	m.WatchRegistry(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if want, got := http.StatusNotFound, rec.Code; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.SessionOpened(sessions.KindStreamable)
	m.SessionOpened(sessions.KindStreamable)
	m.SessionClosed(sessions.KindStreamable, sessions.ReasonTerminated)
	m.SecurityRejected("rate_limit")
	m.ObserveCleanup(sessions.CleanupResult{Removed: 2, Extended: 1, Details: []sessions.SweepDetail{
		{Kind: sessions.KindStreamable, Outcome: sessions.OutcomeRemoved},
		{Kind: sessions.KindLegacy, Outcome: sessions.OutcomeRemoved},
		{Kind: sessions.KindStreamable, Outcome: sessions.OutcomeExtended},
	}})
	m.ObserveHeartbeat(sessions.HeartbeatResult{Failed: 3, Evicted: 1, Details: []sessions.SweepDetail{
		{Kind: sessions.KindStreamable, Outcome: sessions.OutcomeMissed},
		{Kind: sessions.KindStreamable, Outcome: sessions.OutcomeRemoved},
	}})

	if want, got := 2.0, testutil.ToFloat64(m.sessionsOpened.WithLabelValues("streamable")); want != got {
		t.Fatalf("unexpected opened count: want %v got %v", want, got)
	}
	if want, got := 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("rate_limit")); want != got {
		t.Fatalf("unexpected rejection count: want %v got %v", want, got)
	}
	if want, got := 2.0, testutil.ToFloat64(m.cleanupRemoved); want != got {
		t.Fatalf("unexpected cleanup count: want %v got %v", want, got)
	}
	if want, got := 1.0, testutil.ToFloat64(m.heartbeatEvict); want != got {
		t.Fatalf("unexpected eviction count: want %v got %v", want, got)
	}

	closed := map[[2]string]float64{
		{"streamable", "terminated"}: 1,
		{"streamable", "idle"}:       1,
		{"legacy", "idle"}:           1,
		{"streamable", "heartbeat"}:  1,
	}
	for labels, want := range closed {
		if got := testutil.ToFloat64(m.sessionsClosed.WithLabelValues(labels[0], labels[1])); want != got {
			t.Fatalf("unexpected closed count for %v: want %v got %v", labels, want, got)
		}
	}
}

func TestWatchRegistryExportsOccupancy(t *testing.T) {
	reg := sessions.NewRegistry(7)
	if err := reg.Add("a", sessions.KindStreamable, nopTransport{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add("b", sessions.KindLegacy, nopTransport{}); err != nil {
		t.Fatalf("add: %v", err)
	}

	m := New()
	m.WatchRegistry(reg)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`fleetmcp_sessions_active{transport="streamable"} 1`,
		`fleetmcp_sessions_active{transport="legacy"} 1`,
		`fleetmcp_sessions_max 7`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}
