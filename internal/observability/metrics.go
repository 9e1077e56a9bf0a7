package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Ingest HTTP request rate. Watch for: sudden drops (producers down) or spikes.
	HTTPRequestsTotal *prometheus.CounterVec

	// Ingest HTTP request latency per request. Watch for: p95/p99 increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent ingest requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream ingest API call rate, by endpoint (events, series, validate).
	// Watch for: error vs success ratio.
	ForwardCallsTotal *prometheus.CounterVec

	// Upstream ingest API latency. Watch for: p95 > 2s (upstream degradation).
	ForwardDuration *prometheus.HistogramVec

	// Retry attempts for upstream calls. Watch for: high retries = unstable upstream.
	ForwardRetriesTotal prometheus.Counter

	// Pending payloads per queue (events, series). Watch for: sustained growth = upstream outage.
	QueueDepth *prometheus.GaugeVec

	// Payloads dropped on queue overflow, per queue. Any nonzero rate is data loss.
	QueueDroppedTotal *prometheus.CounterVec

	// Flush attempts per endpoint and outcome.
	FlushesTotal *prometheus.CounterVec

	// Batch size per flush, per endpoint. Watch for: batches pinned at max = backlog.
	FlushBatchSize *prometheus.HistogramVec

	// Events suppressed by aggregation-key dedup.
	DedupHitsTotal prometheus.Counter

	// Dedup cache lookup/store failures, by operation and category.
	DedupErrorsTotal *prometheus.CounterVec

	// Payloads accepted on the ingest API, by kind (events, series).
	IngestAcceptedTotal *prometheus.CounterVec

	// Payloads rejected on the ingest API, by kind and reason.
	IngestRejectedTotal *prometheus.CounterVec

	// Rate limit denials on the ingest API. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker transitions, by component and edge.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Current circuit breaker state (0 closed, 1 open, 2 half-open), by component.
	CircuitBreakerState *prometheus.GaugeVec

	// In-flight requests observed at shutdown. Nonzero means the drain mattered.
	shutdownInFlight prometheus.Gauge

	shutdownGaugeOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of ingest HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "Ingest HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of ingest HTTP requests currently being served",
		},
	)
	ForwardCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwardCallsTotal",
			Help: "Total number of upstream ingest API calls",
		},
		[]string{"endpoint", "status"},
	)
	ForwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forwardDurationSeconds",
			Help:    "Upstream ingest API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	ForwardRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forwardRetriesTotal",
			Help: "Total number of retry attempts for upstream ingest API calls",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queueDepth",
			Help: "Pending payloads per shipper queue",
		},
		[]string{"queue"},
	)
	QueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queueDroppedTotal",
			Help: "Payloads dropped on queue overflow, per shipper queue",
		},
		[]string{"queue"},
	)
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flushesTotal",
			Help: "Shipper flush attempts per endpoint and outcome",
		},
		[]string{"endpoint", "status"},
	)
	FlushBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flushBatchSize",
			Help:    "Payloads per flush batch, per endpoint",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"endpoint"},
	)
	DedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedupHitsTotal",
			Help: "Events suppressed by aggregation-key dedup",
		},
	)
	DedupErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupErrorsTotal",
			Help: "Dedup cache failures, by operation and category",
		},
		[]string{"operation", "category"},
	)
	IngestAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestAcceptedTotal",
			Help: "Payloads accepted on the ingest API, by kind",
		},
		[]string{"kind"},
	)
	IngestRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestRejectedTotal",
			Help: "Payloads rejected on the ingest API, by kind and reason",
		},
		[]string{"kind", "reason"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of ingest requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions, by component",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open), by component",
		},
		[]string{"component"},
	)
	shutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight ingest requests observed when shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ForwardCallsTotal, ForwardDuration, ForwardRetriesTotal,
		QueueDepth, QueueDroppedTotal, FlushesTotal, FlushBatchSize,
		DedupHitsTotal, DedupErrorsTotal,
		IngestAcceptedTotal, IngestRejectedTotal,
		RateLimitDeniedTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		shutdownInFlight,
	)
}

// RecordCircuitBreakerTransition records a state transition for the component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the state gauge for the component.
func SetCircuitBreakerStateGauge(component string, state float64) {
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// RecordShutdownInFlight records the in-flight count observed when shutdown began.
func RecordShutdownInFlight(count int64) {
	shutdownGaugeOnce.Do(func() {
		shutdownInFlight.Set(float64(count))
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
