// Package metrics provides the central Prometheus registry reference for
// the import pipeline. All metrics are defined in their respective
// packages (ratelimit, gate, queue, importer) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the importer.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - import_rate_limit_sleeps_total (Counter): Proactive cooldowns this worker acquired
//   - import_rate_limit_sleep_seconds_total (Counter): Sleep seconds attributed to this worker
//   - import_rate_limit_hits_total (Counter): Server 429s this worker turned into cooldowns
//   - import_rate_limit_cooldown_waits_total (Counter): Sleeps on cooldowns owned by other workers
//
// Request Metrics (pkg/gate):
//   - import_requests_total{status} (Counter): Gated API requests by HTTP status
//   - import_request_duration_seconds (Histogram): Request duration including coordinated sleeps
//   - import_request_errors_total{class} (Counter): Errors by class (transient, rate_limit, permanent)
//
// Queue Metrics (pkg/queue):
//   - import_queue_tasks_started_total (Counter): Tasks picked up by a worker
//   - import_queue_tasks_delayed_total (Counter): Tasks scheduled with a delay
//
// Item Metrics (pkg/importer):
//   - import_items_imported_total (Counter): Items imported successfully
//   - import_item_retries_total (Counter): Retries scheduled after transient failures
//   - import_items_exhausted_total (Counter): Items whose retry budget ran out
//   - import_completion_polls_total (Counter): Completion detector invocations
//
// Example Prometheus Queries:
//
//   # Proactive throttling efficiency
//   rate(import_rate_limit_sleeps_total[5m]) /
//   (rate(import_rate_limit_sleeps_total[5m]) + rate(import_rate_limit_hits_total[5m]))
//
//   # Share of wall time spent sleeping
//   rate(import_rate_limit_sleep_seconds_total[5m])
//
//   # Item failure pressure
//   rate(import_item_retries_total[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(import_request_duration_seconds_bucket[5m]))
