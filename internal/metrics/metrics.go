// Package metrics exposes Prometheus collectors for dispatch, the job
// scheduler and the heartbeat, plus lock-free counters for the status
// endpoint. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nanobot"

// ServiceName is the AppContext service key of the process Metrics.
const ServiceName = "metrics"

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	rejected         *prometheus.CounterVec
	inFlight         prometheus.Gauge
	jobRuns          *prometheus.CounterVec
	ticks            prometheus.Counter
	heartbeats       *prometheus.CounterVec
	webhooks         *prometheus.CounterVec

	turns        atomic.Int64
	failures     atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// New creates and registers every collector, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "turns_total",
			Help:      "Dispatched turns by source and outcome.",
		}, []string{"source", "status"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a dispatched turn, lane wait excluded.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rejected_total",
			Help:      "Requests refused before running, by reason.",
		}, []string{"reason"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Accepted turns not yet finished.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cron",
			Name:      "job_runs_total",
			Help:      "Job dispatch attempts by outcome.",
		}, []string{"status"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cron",
			Name:      "ticks_total",
			Help:      "Scheduler polling passes.",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "ticks_total",
			Help:      "Heartbeat ticks by outcome.",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "webhooks_total",
			Help:      "Inbound webhook requests by source and HTTP status.",
		}, []string{"source", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches,
		m.dispatchDuration,
		m.rejected,
		m.inFlight,
		m.jobRuns,
		m.ticks,
		m.heartbeats,
		m.webhooks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(source string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
		m.failures.Add(1)
	}
	m.turns.Add(1)
	m.totalLatency.Add(int64(d))
	m.dispatches.WithLabelValues(source, status).Inc()
	m.dispatchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// Rejected records a refused request.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// SetInFlight sets the in-flight gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// JobRun records a job dispatch attempt.
func (m *Metrics) JobRun(failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.jobRuns.WithLabelValues("error").Inc()
		return
	}
	m.jobRuns.WithLabelValues("ok").Inc()
}

// Tick records a scheduler pass.
func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// Heartbeat records a heartbeat tick outcome.
func (m *Metrics) Heartbeat(outcome string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(outcome).Inc()
}

// Webhook records an inbound webhook response.
func (m *Metrics) Webhook(source string, code int) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(source, http.StatusText(code)).Inc()
}

// Snapshot returns a point-in-time view of the turn counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	turns := m.turns.Load()
	snap := Snapshot{
		Turns:    turns,
		Failures: m.failures.Load(),
	}
	if turns > 0 {
		snap.AvgLatency = time.Duration(m.totalLatency.Load() / turns)
	}
	return snap
}

// Snapshot is a serializable view of the turn counters.
type Snapshot struct {
	Turns      int64         `json:"turns"`
	Failures   int64         `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
}
