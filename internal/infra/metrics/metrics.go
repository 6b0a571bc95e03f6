// Package metrics provides Prometheus metrics for Chronos.
// Counters and gauges for ticks, admission verdicts, task outcomes, the
// market feed, the hydration cache and health checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chronos"

// ─── Ticks ──────────────────────────────────────────────────────────────────

// Ticks counts scheduler ticks by result ("ok" or "error").
var Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ticks_total",
	Help:      "Total scheduler ticks.",
}, []string{"result"})

// TickDuration tracks how long one tick takes, excluding task execution.
var TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "tick_duration_seconds",
	Help:      "Scheduler tick duration in seconds.",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
})

// ─── Tasks ──────────────────────────────────────────────────────────────────

// AdmissionDecisions counts admission verdicts by verdict and priority.
var AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "admission_decisions_total",
	Help:      "Admission verdicts (EXECUTE/DEFER) by task priority.",
}, []string{"verdict", "priority"})

// TasksBlocked counts candidates skipped because dependencies are not met.
// reason is "waiting" or "missing".
var TasksBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_blocked_total",
	Help:      "Ready candidates skipped on unmet dependencies.",
}, []string{"reason"})

// TasksCompleted tracks completed tasks by type.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks.",
}, []string{"type"})

// TasksFailed tracks failed tasks by type and reason.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_failed_total",
	Help:      "Total failed tasks.",
}, []string{"type", "reason"})

// TasksActive tracks currently executing tasks.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_active",
	Help:      "Number of currently executing tasks.",
})

// TasksRequeued counts RUNNING tasks returned to PENDING after a lease lapsed.
var TasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_requeued_total",
	Help:      "Tasks requeued after lease expiry.",
})

// TaskRunDuration tracks executor wall time.
var TaskRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_run_seconds",
	Help:      "Task execution duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"type"})

// ─── Market ─────────────────────────────────────────────────────────────────

// Price is the last successfully read exogenous price in $/kWh.
var Price = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "price_per_kwh",
	Help:      "Last observed price in $/kWh.",
})

// PriceErrors counts failed price reads.
var PriceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "price_errors_total",
	Help:      "Failed price reads (error, timeout or open circuit).",
})

// Balance is the running trade ledger balance.
var Balance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "trade_balance",
	Help:      "Running profit balance of the trade ledger.",
})

// Trades counts recorded trades by sign ("profit" or "loss").
var Trades = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "trades_total",
	Help:      "Recorded trades.",
}, []string{"sign"})

// ─── Hydration Cache ────────────────────────────────────────────────────────

// CacheHits counts hydrations served from the local cache.
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "cache_hits_total",
	Help:      "Hydrations served from cache.",
})

// CacheMisses counts hydrations that required a fetch, by scheme.
var CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "cache_misses_total",
	Help:      "Hydrations that fetched the artifact.",
}, []string{"scheme"})

// CacheBytes is the total size of cached artifacts.
var CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "cache_bytes",
	Help:      "Bytes held by the hydration cache.",
})

// CacheEvictions counts evicted entries by reason ("age" or "size").
var CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "cache_evictions_total",
	Help:      "Cache entries evicted.",
}, []string{"reason"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
