// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Operations ─────────────────────────────────────────────────────────────

// Operations counts ledger operations by name and outcome.
var Operations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coopledger",
	Subsystem: "engine",
	Name:      "operations_total",
	Help:      "Ledger operations by operation and outcome (ok, replayed, rejected, error).",
}, []string{"op", "outcome"})

// OperationDuration observes operation latency.
var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "coopledger",
	Subsystem: "engine",
	Name:      "operation_duration_seconds",
	Help:      "Ledger operation latency in seconds.",
	Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
}, []string{"op"})

// RateLimited counts requests rejected by the per-account limiter.
var RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coopledger",
	Subsystem: "engine",
	Name:      "rate_limited_total",
	Help:      "Requests rejected by the per-account rate limiter.",
}, []string{"op"})

// ─── Batch jobs ─────────────────────────────────────────────────────────────

// JobRuns counts batch job executions by job and result.
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coopledger",
	Subsystem: "jobs",
	Name:      "runs_total",
	Help:      "Batch job runs by job and result (completed, partial, skipped, failed).",
}, []string{"job", "result"})

// JobRows counts rows handled by batch jobs.
var JobRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coopledger",
	Subsystem: "jobs",
	Name:      "rows_total",
	Help:      "Rows handled by batch jobs by job and outcome (processed, deferred, skipped, error).",
}, []string{"job", "outcome"})

// JobAmount counts money moved by batch jobs, in minor units.
var JobAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coopledger",
	Subsystem: "jobs",
	Name:      "amount_total",
	Help:      "Money moved by batch jobs in minor currency units.",
}, []string{"job"})

// ─── Reserve ────────────────────────────────────────────────────────────────

// ReserveBalance tracks the last observed reserve fund balance.
var ReserveBalance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "coopledger",
	Subsystem: "reserve",
	Name:      "balance",
	Help:      "Reserve fund balance in minor currency units.",
})

// ReservePayouts counts default payouts made from the reserve fund.
var ReservePayouts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "coopledger",
	Subsystem: "reserve",
	Name:      "payouts_total",
	Help:      "Default payouts made from the reserve fund.",
})

// ObserveOperation records the outcome and latency of one operation.
func ObserveOperation(op, outcome string, started time.Time) {
	Operations.WithLabelValues(op, outcome).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
