package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "seoscan",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// ScansStartedTotal counts scans admitted past plan enforcement.
var ScansStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seoscan",
	Name:      "scans_started_total",
	Help:      "Total number of scans that began orchestration.",
})

// ScansFinalizedTotal counts scans reaching a terminal state, by status.
var ScansFinalizedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seoscan",
	Name:      "scans_finalized_total",
	Help:      "Total number of scans reaching a terminal state.",
}, []string{"status"})

// ServicesExecutedTotal counts individual service executions, by service and
// outcome status.
var ServicesExecutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seoscan",
	Name:      "services_executed_total",
	Help:      "Total number of service executor invocations.",
}, []string{"service", "status"})

// RetriesConsumedTotal counts retry calls that were admitted against the
// daily retry quota.
var RetriesConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seoscan",
	Name:      "retries_consumed_total",
	Help:      "Total number of admitted retry requests.",
})

// CacheHitsTotal / CacheMissesTotal track the result cache's effectiveness.
var (
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seoscan",
		Name:      "cache_hits_total",
		Help:      "Total number of scan requests served from cache.",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seoscan",
		Name:      "cache_misses_total",
		Help:      "Total number of scan requests that missed the cache.",
	})
)

// CacheSweeperRunsTotal / CacheEntriesSweptTotal track background sweeper activity.
var (
	CacheSweeperRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seoscan",
		Name:      "cache_sweeper_runs_total",
		Help:      "Total number of cache sweeper ticks.",
	})
	CacheEntriesSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seoscan",
		Name:      "cache_entries_swept_total",
		Help:      "Total number of expired cache entries removed.",
	})
)

// DroppedMetricsTotal counts observability events dropped because the sink's
// buffer was full.
var DroppedMetricsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seoscan",
	Name:      "dropped_metrics_total",
	Help:      "Total number of metric rows dropped due to a full sink buffer.",
})

// All returns every service-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ScansStartedTotal,
		ScansFinalizedTotal,
		ServicesExecutedTotal,
		RetriesConsumedTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheSweeperRunsTotal,
		CacheEntriesSweptTotal,
		DroppedMetricsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors passed in.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
