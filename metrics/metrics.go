// Package metrics holds the prometheus collectors for the evaluation host.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "evalvana"

type Metrics struct {
	spawns          *prometheus.CounterVec
	spawnFailures   *prometheus.CounterVec
	crashes         *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	timeouts        *prometheus.CounterVec
	cancellations   *prometheus.CounterVec
	malformedFrames *prometheus.CounterVec
	processes       *prometheus.GaugeVec
	evaluations     *prometheus.CounterVec
	evalDuration    *prometheus.HistogramVec
	sessions        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "spawns_total",
			Help: "Plugin processes started.",
		}, []string{"plugin"}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "spawn_failures_total",
			Help: "Plugin processes that could not be started after retries.",
		}, []string{"plugin"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "crashes_total",
			Help: "Plugin processes that exited without being asked to.",
		}, []string{"plugin"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "idle_evictions_total",
			Help: "Plugin processes terminated after sitting idle.",
		}, []string{"plugin"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eval", Name: "timeouts_total",
			Help: "Requests that received no terminal response in time.",
		}, []string{"plugin"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eval", Name: "cancellations_total",
			Help: "Requests cancelled by the caller.",
		}, []string{"plugin"}),
		malformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "codec", Name: "malformed_frames_total",
			Help: "Frames from plugins that could not be decoded.",
		}, []string{"plugin"}),
		processes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "processes",
			Help: "Live plugin processes.",
		}, []string{"plugin"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eval", Name: "completed_total",
			Help: "Requests that reached a terminal response, by kind.",
		}, []string{"plugin", "kind"}),
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "eval", Name: "duration_seconds",
			Help:    "Time from submit to terminal response.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"plugin"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "router", Name: "sessions",
			Help: "Open sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.spawns, m.spawnFailures, m.crashes, m.evictions, m.timeouts,
			m.cancellations, m.malformedFrames, m.processes, m.evaluations,
			m.evalDuration, m.sessions,
		)
	}
	return m
}

func (m *Metrics) ProcessStarted(plugin string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(plugin).Inc()
	m.processes.WithLabelValues(plugin).Inc()
}

func (m *Metrics) ProcessExited(plugin string, crashed bool) {
	if m == nil {
		return
	}
	m.processes.WithLabelValues(plugin).Dec()
	if crashed {
		m.crashes.WithLabelValues(plugin).Inc()
	}
}

func (m *Metrics) SpawnFailed(plugin string) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(plugin).Inc()
}

func (m *Metrics) Evicted(plugin string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(plugin).Inc()
}

func (m *Metrics) TimedOut(plugin string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(plugin).Inc()
}

func (m *Metrics) Cancelled(plugin string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(plugin).Inc()
}

func (m *Metrics) MalformedFrame(plugin string) {
	if m == nil {
		return
	}
	m.malformedFrames.WithLabelValues(plugin).Inc()
}

// Evaluated records a finished request.
func (m *Metrics) Evaluated(plugin, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(plugin, kind).Inc()
	m.evalDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
