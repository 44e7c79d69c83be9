// Package metrics exposes the relay's Prometheus registry and HTTP handler.
// Metrics are defined next to the code that records them (client, cache,
// ratelimit, pagination, and the HTTP server) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPRequestsTotal counts inbound requests by route pattern and status code.
var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_http_requests_total",
	Help: "Total inbound HTTP requests by route and status code",
}, []string{"route", "code"})

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Upstream client (pkg/client):
//   - relay_upstream_requests_total{operation, status}
//   - relay_upstream_request_duration_seconds{operation}
//   - relay_upstream_errors_total{class}
//   - relay_upstream_retries_total{error_class}
//   - relay_upstream_retry_backoff_seconds{error_class}
//   - relay_upstream_retry_exhausted_total{error_class}
//
// Aggregation (pkg/pagination):
//   - relay_pages_fetched_total
//   - relay_aggregated_items (Histogram)
//   - relay_aggregations_total{result}
//
// Cache (pkg/cache):
//   - relay_cache_hits_total{layer}, relay_cache_misses_total
//   - relay_cache_size_bytes{layer}, relay_cache_errors_total{operation}
//   - relay_cache_304_responses_total, relay_cache_conditional_requests_total
//
// Rate limit (pkg/ratelimit):
//   - relay_upstream_rate_limit_remaining
//   - relay_rate_limit_blocks_total, relay_rate_limit_throttles_total
//
// Inbound (this package):
//   - relay_http_requests_total{route, code}
//
// Example Prometheus Queries:
//
//   # Aggregation failure ratio
//   rate(relay_aggregations_total{result="failed"}[5m]) / rate(relay_aggregations_total[5m])
//
//   # P95 upstream latency per operation
//   histogram_quantile(0.95, sum by (le, operation) (rate(relay_upstream_request_duration_seconds_bucket[5m])))
