// Package metrics exposes the Prometheus registry used across the module.
// Domain metrics are defined in their respective packages (client, cache,
// ratelimit, pagination) to avoid circular dependencies; this package adds
// the inbound HTTP metrics and the /metrics handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmwiki_http_requests_total",
		Help: "Inbound HTTP requests by route, method and status code",
	}, []string{"route", "method", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rmwiki_http_request_duration_seconds",
		Help:    "Inbound HTTP request duration by route and method",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rmwiki_http_requests_in_flight",
		Help: "Inbound HTTP requests currently being served",
	})
)

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentHandler wraps next with request counting, latency and in-flight
// tracking labelled by route.
func InstrumentHandler(route string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerInFlight(httpInFlight,
		promhttp.InstrumentHandlerDuration(httpRequestDuration.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(httpRequestsTotal.MustCurryWith(labels), next),
		),
	)
}

// Metrics Documentation
//
// Upstream Request Metrics (pkg/client):
//   - rmwiki_upstream_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status ("cache" for fresh hits)
//   - rmwiki_upstream_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - rmwiki_upstream_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - rmwiki_upstream_shared_fetches_total (Counter): Fetches answered by an identical in-flight request
//
// Retry Metrics (pkg/client):
//   - rmwiki_upstream_retries_total{error_class} (Counter): Retry attempts by error class
//   - rmwiki_upstream_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - rmwiki_upstream_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - rmwiki_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - rmwiki_cache_misses_total (Counter): Cache misses
//   - rmwiki_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - rmwiki_cache_conditional_requests_total (Counter): Revalidations sent with If-None-Match/If-Modified-Since
//   - rmwiki_cache_not_modified_total (Counter): 304 Not Modified responses
//   - rmwiki_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - rmwiki_rate_limit_blocks_total (Counter): Requests blocked by an upstream cooldown
//   - rmwiki_rate_limit_cooldowns_total (Counter): Cooldowns started by 429 responses
//   - rmwiki_rate_limit_wait_seconds (Histogram): Time spent waiting on the token bucket
//
// Pagination Metrics (pkg/pagination):
//   - rmwiki_pagination_fetches_total{outcome} (Counter): fresh, incremental, stale, failed
//   - rmwiki_pagination_skipped_total{reason} (Counter): no_next, same_target
//   - rmwiki_batch_pages_total{result} (Counter): Pages fetched by the cache warmer
//   - rmwiki_batch_duration_seconds (Histogram): Cache warm run duration
//
// HTTP Metrics (pkg/metrics, internal/server):
//   - rmwiki_http_requests_total{route, method, code} (Counter)
//   - rmwiki_http_request_duration_seconds{route, method} (Histogram)
//   - rmwiki_http_requests_in_flight (Gauge)
//   - rmwiki_sessions_active (Gauge): Live viewer sessions
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(rmwiki_cache_hits_total[5m])) /
//   (sum(rate(rmwiki_cache_hits_total[5m])) + sum(rate(rmwiki_cache_misses_total[5m])))
//
//   # Upstream Error Rate
//   rate(rmwiki_upstream_errors_total[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(rmwiki_upstream_request_duration_seconds_bucket[5m]))
//
//   # Stale responses dropped by the controller
//   rate(rmwiki_pagination_fetches_total{outcome="stale"}[5m])
