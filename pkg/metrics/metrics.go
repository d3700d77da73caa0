// Package metrics provides the Prometheus registry handle and the catalogue of
// metrics exported by the client. All metrics are defined in their respective
// packages (client, pagination, ratelimit) to maintain modularity and avoid
// circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Names lists every metric family the client registers.
var Names = []string{
	// pkg/client
	"b24_requests_total",
	"b24_request_duration_seconds",
	"b24_errors_total",
	"b24_retries_total",
	"b24_retry_backoff_seconds",
	"b24_retry_exhausted_total",
	"b24_batch_chunks_total",
	"b24_batch_commands_total",

	// pkg/pagination
	"b24_pagination_requests_total",
	"b24_pagination_items_total",

	// pkg/ratelimit
	"b24_operating_seconds",
	"b24_operating_blocks_total",
	"b24_operating_throttles_total",
}

// Handler returns an HTTP handler exposing the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - b24_requests_total{method, status} (Counter): Physical requests by method and HTTP status
//   - b24_request_duration_seconds{method} (Histogram): Request duration by method
//   - b24_errors_total{class} (Counter): Failed calls by class (transport, application, protocol)
//
// Retry Metrics (pkg/client):
//   - b24_retries_total{scope, error_class} (Counter): Retry attempts by scope (call, batch)
//   - b24_retry_backoff_seconds{scope} (Histogram): Backoff duration by scope
//   - b24_retry_exhausted_total{scope} (Counter): Calls that exhausted all attempts
//
// Batch Metrics (pkg/client):
//   - b24_batch_chunks_total (Counter): Physical batches sent
//   - b24_batch_commands_total (Counter): Logical calls sent inside batches
//
// Pagination Metrics (pkg/pagination):
//   - b24_pagination_requests_total{strategy} (Counter): Logical list calls by strategy
//   - b24_pagination_items_total{strategy} (Counter): Items returned by strategy
//
// Operating Budget Metrics (pkg/ratelimit):
//   - b24_operating_seconds{method} (Gauge): Operating time used in the current window
//   - b24_operating_blocks_total (Counter): Requests blocked due to critical budget
//   - b24_operating_throttles_total (Counter): Requests throttled due to warning budget
//
// Example Prometheus Queries:
//
//   # Average calls per physical batch
//   rate(b24_batch_commands_total[5m]) / rate(b24_batch_chunks_total[5m])
//
//   # Methods close to the operating limit
//   b24_operating_seconds > 300
//
//   # Retry rate by scope
//   sum by (scope) (rate(b24_retries_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(b24_request_duration_seconds_bucket[5m]))
