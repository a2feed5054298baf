// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Prefetch metrics
	prefetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquifer_prefetch_total",
		Help: "Prefetch executions by procedure and outcome",
	}, []string{"procedure", "outcome"}) // outcome=success|error|cache_hit

	prefetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aquifer_prefetch_duration_seconds",
		Help:    "Resolver execution time per procedure",
		Buckets: prometheus.DefBuckets,
	}, []string{"procedure"})

	fetchDedupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquifer_fetch_dedup_total",
		Help: "Fetches that shared an in-flight resolver call",
	}, []string{"procedure"})

	// Cache metrics
	cacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquifer_cache_operations_total",
		Help: "Cache store operations by backend, op and outcome",
	}, []string{"backend", "op", "outcome"}) // op=get|set|delete|clear|range outcome=hit|miss|success|error

	cacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aquifer_cache_entries",
		Help: "Entries currently held per cache backend",
	}, []string{"backend"})

	// Dehydration metrics
	dehydrateBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aquifer_dehydrate_bytes",
		Help:    "Size of dehydrated payloads",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	})

	dehydrateQueries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aquifer_dehydrate_queries",
		Help:    "Number of queries per dehydrated payload",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	hydrateAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquifer_hydrate_applied_total",
		Help: "Entries applied to the cache by hydration",
	})

	// RPC metrics
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquifer_rpc_requests_total",
		Help: "RPC endpoint calls by path, kind and result code",
	}, []string{"path", "kind", "code"})

	// Upstream metrics
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquifer_upstream_requests_total",
		Help: "Requests to upstream origins by host and outcome",
	}, []string{"host", "outcome"}) // outcome=success|error|rejected

	upstreamBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aquifer_upstream_breaker_state",
		Help: "Circuit breaker state per origin host (0=closed 1=half-open 2=open)",
	}, []string{"host"})

	// Snapshot metrics
	snapshotAgeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aquifer_snapshot_age_seconds",
		Help: "Age of the last written snapshot per route",
	}, []string{"route"})

	snapshotWriteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquifer_snapshot_write_total",
		Help: "Snapshot render attempts by route and outcome",
	}, []string{"route", "outcome"}) // outcome=success|error

	// HTTP server metrics
	httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aquifer_http_request_duration_seconds",
		Help:    "HTTP request latency by method, route pattern and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aquifer_http_requests_inflight",
		Help: "HTTP requests currently being served",
	})

	ratelimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquifer_ratelimit_exceeded_total",
		Help: "Requests rejected by rate limiting, by scope",
	}, []string{"scope"}) // scope=api|upstream
)

func RecordPrefetch(procedure, outcome string) {
	prefetchTotal.WithLabelValues(procedure, outcome).Inc()
}

func ObservePrefetchDuration(procedure string, seconds float64) {
	prefetchDurationSeconds.WithLabelValues(procedure).Observe(seconds)
}

func RecordFetchDedup(procedure string) {
	fetchDedupTotal.WithLabelValues(procedure).Inc()
}

func RecordCacheOperation(backend, op, outcome string) {
	cacheOperationsTotal.WithLabelValues(backend, op, outcome).Inc()
}

func SetCacheEntries(backend string, n int) {
	cacheEntries.WithLabelValues(backend).Set(float64(n))
}

func ObserveDehydrate(bytes, queries int) {
	dehydrateBytes.Observe(float64(bytes))
	dehydrateQueries.Observe(float64(queries))
}

func AddHydrateApplied(n int) {
	hydrateAppliedTotal.Add(float64(n))
}

func RecordRPCRequest(path, kind, code string) {
	rpcRequestsTotal.WithLabelValues(path, kind, code).Inc()
}

func RecordUpstreamRequest(host, outcome string) {
	upstreamRequestsTotal.WithLabelValues(host, outcome).Inc()
}

func SetBreakerState(host string, state int) {
	upstreamBreakerState.WithLabelValues(host).Set(float64(state))
}

func SetSnapshotAge(route string, seconds float64) {
	snapshotAgeSeconds.WithLabelValues(route).Set(seconds)
}

func RecordSnapshotWrite(route, outcome string) {
	snapshotWriteTotal.WithLabelValues(route, outcome).Inc()
}

func ObserveHTTPRequest(method, path, status string, seconds float64) {
	httpRequestDurationSeconds.WithLabelValues(method, path, status).Observe(seconds)
}

func IncHTTPInflight() { httpRequestsInflight.Inc() }
func DecHTTPInflight() { httpRequestsInflight.Dec() }

func IncRatelimitExceeded(scope string) {
	ratelimitExceededTotal.WithLabelValues(scope).Inc()
}
