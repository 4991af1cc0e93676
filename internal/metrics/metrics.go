// Package metrics holds the Prometheus collectors for ingestion and reconciliation.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bos"

var (
	registerOnce sync.Once

	batchesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "batches_started_total",
			Help:      "Batches begun, by source.",
		},
		[]string{"source"},
	)
	batchesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "batches_completed_total",
			Help:      "Batches reaching a terminal status.",
		},
		[]string{"source", "status"},
	)
	batchRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rows_total",
			Help:      "Rows recorded against in-progress batches.",
		},
		[]string{"outcome"},
	)
	observationsProposed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observations",
			Name:      "proposed_total",
			Help:      "Observations proposed, by source.",
		},
		[]string{"source"},
	)
	observationsSuperseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observations",
			Name:      "superseded_total",
			Help:      "Pending observations replaced by a newer proposal.",
		},
	)
	observationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observations",
			Name:      "expired_total",
			Help:      "Pending observations transitioned to expired.",
		},
	)
	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "decisions_total",
			Help:      "Reconciliation decisions, by outcome.",
		},
		[]string{"outcome"},
	)
	decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Time to decide one observation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Sweeper passes, by result.",
		},
		[]string{"result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Register adds every collector to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			batchesStarted, batchesCompleted, batchRows,
			observationsProposed, observationsSuperseded, observationsExpired,
			decisions, decisionDuration, sweeps,
			httpRequests, httpDuration,
		)
	})
}

func RecordBatchStarted(source string) {
	Register()
	batchesStarted.WithLabelValues(source).Inc()
}

func RecordBatchCompleted(source, status string) {
	Register()
	batchesCompleted.WithLabelValues(source, status).Inc()
}

func RecordBatchRow(outcome string) {
	Register()
	batchRows.WithLabelValues(outcome).Inc()
}

func RecordProposed(source string, superseded int) {
	Register()
	observationsProposed.WithLabelValues(source).Inc()
	if superseded > 0 {
		observationsSuperseded.Add(float64(superseded))
	}
}

func RecordExpired(n int) {
	Register()
	if n > 0 {
		observationsExpired.Add(float64(n))
	}
}

func RecordDecision(outcome string, duration time.Duration) {
	Register()
	decisions.WithLabelValues(outcome).Inc()
	decisionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordSweep(result string) {
	Register()
	sweeps.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
