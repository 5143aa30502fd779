// Package metrics exposes the server's Prometheus collectors. Every method
// is safe on a nil *Metrics so callers can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/ggoodman/fleetmcp/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetmcp"

// Metrics owns a private registry and the collectors registered in it.
type Metrics struct {
	registry *prometheus.Registry

	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	messages        *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	cleanupRemoved  prometheus.Counter
	cleanupExtended prometheus.Counter
	heartbeatFailed prometheus.Counter
	heartbeatEvict  prometheus.Counter
	sweepDuration   *prometheus.HistogramVec
}

// New builds the collectors, including the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions admitted to the registry.",
		}, []string{"transport"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions removed from the registry, by reason.",
		}, []string{"transport", "reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "JSON-RPC messages dispatched to session handlers.",
		}, []string{"transport", "type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_rejections_total",
			Help:      "Requests rejected by the validation chain.",
		}, []string{"reason"}),
		cleanupRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Idle sessions reclaimed by the cleanup sweep.",
		}),
		cleanupExtended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_extended_total",
			Help:      "Idle sessions kept alive after a successful heartbeat.",
		}),
		heartbeatFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Failed heartbeats.",
		}),
		heartbeatEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_evictions_total",
			Help:      "Sessions evicted after too many missed heartbeats.",
		}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of background session sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"sweep"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsOpened,
		m.sessionsClosed,
		m.messages,
		m.rejections,
		m.cleanupRemoved,
		m.cleanupExtended,
		m.heartbeatFailed,
		m.heartbeatEvict,
		m.sweepDuration,
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchRegistry exports live occupancy gauges read from reg at scrape time.
func (m *Metrics) WatchRegistry(reg *sessions.Registry) {
	if m == nil {
		return
	}
	active := func(kind sessions.Kind) func() float64 {
		return func() float64 {
			st := reg.Stats()
			switch kind {
			case sessions.KindStreamable:
				return float64(st.Streamable)
			case sessions.KindLegacy:
				return float64(st.Legacy)
			}
			return 0
		}
	}
	for _, kind := range []sessions.Kind{sessions.KindStreamable, sessions.KindLegacy} {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "sessions_active",
			Help:        "Live sessions by transport.",
			ConstLabels: prometheus.Labels{"transport": string(kind)},
		}, active(kind)))
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_max",
		Help:      "Session admission limit.",
	}, func() float64 { return float64(reg.Max()) }))
}

func (m *Metrics) SessionOpened(kind sessions.Kind) {
	if m == nil {
		return
	}
	m.sessionsOpened.WithLabelValues(string(kind)).Inc()
}

// SessionClosed counts a removal by the path that removed it.
func (m *Metrics) SessionClosed(kind sessions.Kind, reason sessions.RemoveReason) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(string(kind), string(reason)).Inc()
}

func (m *Metrics) sweptClosed(details []sessions.SweepDetail, reason sessions.RemoveReason) {
	for _, d := range details {
		if d.Outcome == sessions.OutcomeRemoved {
			m.sessionsClosed.WithLabelValues(string(d.Kind), string(reason)).Inc()
		}
	}
}

func (m *Metrics) MessageHandled(kind sessions.Kind, msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(kind), msgType).Inc()
}

func (m *Metrics) SecurityRejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveCleanup records one cleanup sweep.
func (m *Metrics) ObserveCleanup(res sessions.CleanupResult) {
	if m == nil {
		return
	}
	m.cleanupRemoved.Add(float64(res.Removed))
	m.cleanupExtended.Add(float64(res.Extended))
	m.sweptClosed(res.Details, sessions.ReasonIdle)
	m.sweepDuration.WithLabelValues("cleanup").Observe(res.Took.Seconds())
}

// ObserveHeartbeat records one heartbeat sweep.
func (m *Metrics) ObserveHeartbeat(res sessions.HeartbeatResult) {
	if m == nil {
		return
	}
	m.heartbeatFailed.Add(float64(res.Failed))
	m.heartbeatEvict.Add(float64(res.Evicted))
	m.sweptClosed(res.Details, sessions.ReasonHeartbeat)
	m.sweepDuration.WithLabelValues("heartbeat").Observe(res.Took.Seconds())
}
