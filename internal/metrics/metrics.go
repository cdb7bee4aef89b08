// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthouse_jobs_total",
			Help: "Jobs finished, by type and terminal state",
		},
		[]string{"type", "state"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lighthouse_job_duration_seconds",
			Help:    "Wall time of job execution",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lighthouse_jobs_in_flight",
			Help: "Jobs currently executing, by queue",
		},
		[]string{"queue"},
	)

	JobRedeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthouse_job_redeliveries_total",
			Help: "Jobs NAKed for transport-level retry",
		},
		[]string{"type"},
	)

	ReconcileCorrections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthouse_reconcile_corrections_total",
			Help: "Recorded status downgrades applied by reconciliation",
		},
		[]string{"from", "to"},
	)

	RoutesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthouse_routes_removed_total",
			Help: "Route files removed by cleanup, by reason",
		},
		[]string{"reason"},
	)

	ProxyReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lighthouse_proxy_reloads_total",
			Help: "Proxy validate+reload attempts, by outcome",
		},
		[]string{"outcome"},
	)

	NetworkFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lighthouse_network_fallbacks_total",
			Help: "Container runs that fell back to the default network",
		},
	)
)

// ObserveJob records the terminal state and duration of a job.
func ObserveJob(jobType, state string, started time.Time) {
	JobsTotal.WithLabelValues(jobType, state).Inc()
	JobDuration.WithLabelValues(jobType).Observe(time.Since(started).Seconds())
}
