package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated prometheus registry so the agent only exposes
// its own collectors plus the standard process and Go runtime ones.
type Registry struct {
	registry *prometheus.Registry

	operationsStarted  *prometheus.CounterVec
	operationsFinished *prometheus.CounterVec
	operationsActive   prometheus.Gauge
	operationDuration  *prometheus.HistogramVec
	cancelRequests     prometheus.Counter

	eventsForwarded *prometheus.CounterVec
	eventsThrottled prometheus.Counter

	bytesProcessed   prometheus.Counter
	entriesProcessed prometheus.Counter

	watchPickups prometheus.Counter

	httpRequests       *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry: reg,
		operationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_operations_started_total",
			Help: "Operations accepted, by kind.",
		}, []string{"kind"}),
		operationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_operations_finished_total",
			Help: "Operations finished, by kind and terminal state.",
		}, []string{"kind", "state"}),
		operationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stevedore_operations_active",
			Help: "Operations currently in flight.",
		}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stevedore_operation_duration_seconds",
			Help:    "Wall time from acceptance to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind"}),
		cancelRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stevedore_cancel_requests_total",
			Help: "Accepted cancellation requests.",
		}),
		eventsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_progress_events_forwarded_total",
			Help: "Progress events forwarded to observers, by kind.",
		}, []string{"kind"}),
		eventsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stevedore_progress_events_throttled_total",
			Help: "Progress events withheld by the per-operation throttle.",
		}),
		bytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stevedore_bytes_processed_total",
			Help: "Archive payload bytes processed across all operations.",
		}),
		entriesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stevedore_entries_processed_total",
			Help: "Archive entries fully processed across all operations.",
		}),
		watchPickups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stevedore_watch_pickups_total",
			Help: "Archives picked up from the inbox by the watcher.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stevedore_http_requests_total",
			Help: "HTTP requests served, by method, path and status.",
		}, []string{"method", "path", "status"}),
		httpRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stevedore_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		r.operationsStarted,
		r.operationsFinished,
		r.operationsActive,
		r.operationDuration,
		r.cancelRequests,
		r.eventsForwarded,
		r.eventsThrottled,
		r.bytesProcessed,
		r.entriesProcessed,
		r.watchPickups,
		r.httpRequests,
		r.httpRequestSeconds,
	)

	return r
}

func (r *Registry) RecordOperationStarted(kind string) {
	r.operationsStarted.WithLabelValues(kind).Inc()
	r.operationsActive.Inc()
}

func (r *Registry) RecordOperationFinished(kind, state string, seconds float64) {
	r.operationsFinished.WithLabelValues(kind, state).Inc()
	r.operationDuration.WithLabelValues(kind).Observe(seconds)
	r.operationsActive.Dec()
}

func (r *Registry) RecordCancelRequest() {
	r.cancelRequests.Inc()
}

func (r *Registry) RecordEventForwarded(kind string) {
	r.eventsForwarded.WithLabelValues(kind).Inc()
}

func (r *Registry) RecordEventThrottled() {
	r.eventsThrottled.Inc()
}

func (r *Registry) AddBytesProcessed(n int64) {
	if n > 0 {
		r.bytesProcessed.Add(float64(n))
	}
}

func (r *Registry) RecordEntryProcessed() {
	r.entriesProcessed.Inc()
}

func (r *Registry) RecordWatchPickup() {
	r.watchPickups.Inc()
}

func (r *Registry) RecordHTTPRequest(method, path, status string, seconds float64) {
	r.httpRequests.WithLabelValues(method, path, status).Inc()
	r.httpRequestSeconds.WithLabelValues(method, path).Observe(seconds)
}

// HTTPHandler serves the scrape endpoint for this registry.
func (r *Registry) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
