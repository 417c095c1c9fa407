// Package metrics exposes the Prometheus metrics of the Bitrix24 client.
// Metrics are defined in their respective packages (client, cache, ratelimit)
// and registered via promauto on the default registry; this package serves
// them and documents what is available.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - b24_requests_total{method, status} (Counter): HTTP attempts by REST method and status
//   - b24_request_duration_seconds{method} (Histogram): Logical call duration including retries
//   - b24_errors_total{class} (Counter): Attempt errors by class
//   - b24_inflight_requests (Gauge): Requests awaiting a response
//   - b24_pages_fetched_total{method} (Counter): List pages fetched by fetchAll calls
//   - b24_batch_groups_total (Counter): Batch groups dispatched
//
// Retry Metrics (pkg/client):
//   - b24_retries_total{error_class} (Counter): Retry attempts by error class
//   - b24_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - b24_retry_exhausted_total{error_class} (Counter): Calls that exhausted max retries
//
// Operating Time Metrics (pkg/ratelimit):
//   - b24_method_operating_seconds{method} (Gauge): Server time used in the current window
//   - b24_method_blocks_total{method} (Counter): Calls refused until the window resets
//   - b24_method_throttles_total{method} (Counter): Calls delayed in the warning zone
//   - b24_pacer_wait_seconds (Histogram): Time spent waiting for the client-side pacer
//
// Cache Metrics (pkg/cache):
//   - b24_cache_hits_total{layer} (Counter): Cache hits by layer (memory, redis)
//   - b24_cache_misses_total (Counter): Cache misses
//   - b24_cache_size_bytes{layer} (Gauge): Bytes written by layer
//   - b24_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(b24_cache_hits_total[5m])) /
//   (sum(rate(b24_cache_hits_total[5m])) + sum(rate(b24_cache_misses_total[5m])))
//
//   # Methods close to their operating budget
//   b24_method_operating_seconds > 360
//
//   # Rate limited attempts
//   rate(b24_errors_total{class="rate_limit"}[5m])
//
//   # P95 Call Latency
//   histogram_quantile(0.95, rate(b24_request_duration_seconds_bucket[5m]))
