package main

import (
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paranoid-AF/evalvana/process"
)

// goroutineLimit fails the liveness check when handlers pile up.
const goroutineLimit = 10000

// newHTTPHandler serves /metrics, /live and /ready. Readiness fails while
// the pool reports processes that vanished behind its back or after the pool
// has shut down.
func newHTTPHandler(reg *prometheus.Registry, procs *process.Manager) http.Handler {
	health := healthcheck.NewMetricsHandler(reg, "evalvana")
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(goroutineLimit))
	health.AddReadinessCheck("pool", healthcheck.Timeout(procs.Check, 2*time.Second))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return mux
}
