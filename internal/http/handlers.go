package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mbeaumont/datadog-relay/internal/client"
	"github.com/mbeaumont/datadog-relay/internal/dedup"
	"github.com/mbeaumont/datadog-relay/internal/lifecycle"
	"github.com/mbeaumont/datadog-relay/internal/models"
	"github.com/mbeaumont/datadog-relay/internal/observability"
	"github.com/mbeaumont/datadog-relay/internal/shipper"
	"github.com/mbeaumont/datadog-relay/internal/traffic"
	"github.com/mbeaumont/datadog-relay/internal/validation"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	StartTime            time.Time
	// CachePing, when set, is called to check dedup cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	shipper          *shipper.Shipper
	client           client.IngestClient
	dedupCache       dedup.Cache
	dedupTTL         time.Duration
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	sh *shipper.Shipper,
	client client.IngestClient,
	dedupCache dedup.Cache,
	dedupTTL time.Duration,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	return &Handler{
		shipper:      sh,
		client:       client,
		dedupCache:   dedupCache,
		dedupTTL:     dedupTTL,
		healthConfig: healthConfig,
		logger:       logger,
		rateLimiter:  rateLimiter,
	}
}

// PostEvent handles POST /v1/events. Validates the payload, suppresses
// duplicates by aggregation key, and queues the event for forwarding.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		observability.IngestRejectedTotal.WithLabelValues("event", "malformed").Inc()
		writeError(w, r, http.StatusBadRequest, "MALFORMED_BODY", "request body is not valid JSON")
		return
	}

	if err := validation.ValidateEvent(&event, time.Now()); err != nil {
		observability.IngestRejectedTotal.WithLabelValues("event", "validation").Inc()
		writeError(w, r, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	dedupKey := ""
	if h.dedupCache != nil && event.AggregationKey != "" {
		dedupKey = event.AggregationKey
		seen, err := h.dedupCache.Seen(r.Context(), dedupKey)
		if err != nil {
			// Dedup failures never block ingest. Forwarding a duplicate
			// beats losing an event.
			observability.DedupErrorsTotal.WithLabelValues("seen", "backend").Inc()
			if logger := requestLogger(r); logger != nil {
				logger.Warn("dedup lookup failed", zap.Error(err))
			}
		} else if seen {
			observability.DedupHitsTotal.Inc()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "deduplicated"})
			return
		}
	}

	if err := h.shipper.EnqueueEvent(&event); err != nil {
		h.writeEnqueueError(w, r, "event", err)
		return
	}

	// Mark only once the event is actually queued. A 503 invites the
	// producer to retry, and a key marked for a rejected event would turn
	// that retry into a false duplicate.
	if dedupKey != "" {
		if err := h.dedupCache.Mark(r.Context(), dedupKey, h.dedupTTL); err != nil {
			observability.DedupErrorsTotal.WithLabelValues("mark", "backend").Inc()
		}
	}

	observability.IngestAcceptedTotal.WithLabelValues("event").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// seriesRequest is the accepted body shape for POST /v1/series. A bare
// single series object is also accepted for convenience.
type seriesRequest struct {
	Series []*models.Series `json:"series"`
}

// PostSeries handles POST /v1/series. Accepts `{"series":[...]}` and queues
// each series for the next batched forward.
func (h *Handler) PostSeries(w http.ResponseWriter, r *http.Request) {
	var req seriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.IngestRejectedTotal.WithLabelValues("series", "malformed").Inc()
		writeError(w, r, http.StatusBadRequest, "MALFORMED_BODY", "request body is not valid JSON")
		return
	}
	if len(req.Series) == 0 {
		observability.IngestRejectedTotal.WithLabelValues("series", "empty").Inc()
		writeError(w, r, http.StatusBadRequest, "EMPTY_SERIES", "at least one series is required")
		return
	}

	now := time.Now()
	for i, s := range req.Series {
		if err := validation.ValidateSeries(s, now); err != nil {
			observability.IngestRejectedTotal.WithLabelValues("series", "validation").Inc()
			writeError(w, r, http.StatusBadRequest, "INVALID_SERIES",
				"series["+strconv.Itoa(i)+"]: "+err.Error())
			return
		}
	}

	if err := h.shipper.EnqueueSeriesBatch(req.Series); err != nil {
		h.writeEnqueueError(w, r, "series", err)
		return
	}
	observability.IngestAcceptedTotal.WithLabelValues("series").Add(float64(len(req.Series)))

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"count":  len(req.Series),
	})
}

func (h *Handler) writeEnqueueError(w http.ResponseWriter, r *http.Request, kind string, err error) {
	switch {
	case errors.Is(err, shipper.ErrDraining):
		observability.IngestRejectedTotal.WithLabelValues(kind, "draining").Inc()
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "relay is shutting down")
	case errors.Is(err, shipper.ErrQueueFull):
		observability.IngestRejectedTotal.WithLabelValues(kind, "queue_full").Inc()
		writeError(w, r, http.StatusServiceUnavailable, "QUEUE_FULL", "forwarding queue is saturated")
	default:
		observability.IngestRejectedTotal.WithLabelValues(kind, "internal").Inc()
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to queue payload")
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["datadogApi"] = "unhealthy"
	} else {
		checks["datadogApi"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["dedupCache"] = "healthy"
		} else {
			checks["dedupCache"] = "unhealthy"
		}
	}

	eventDepth, seriesDepth := 0, 0
	if h.shipper != nil {
		eventDepth, seriesDepth = h.shipper.Depths()
	}
	resp := map[string]interface{}{
		"status":  result.status,
		"service": "datadog-relay",
		"version": "dev",
		"checks":  checks,
		"queues": map[string]int{
			"events": eventDepth,
			"series": seriesDepth,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order: shutting-down > API key invalid > overloaded
// > degraded > healthy. Each condition is evaluated only if previous
// conditions are not met.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if err := h.client.Validate(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.DenialCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errorCount, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errorCount) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

func requestLogger(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok {
		return logger
	}
	return nil
}

// GetTestStatus handles GET /test. Returns current window counters and
// effective thresholds. Registered only in testing mode.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errorCount, _ := traffic.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	resp := map[string]interface{}{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errorCount,
		"window_length":             window.String(),
		"config":                    cfg,
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostTestAction handles POST /test/{action} for load, error, reset,
// shutdown. Registered only in testing mode.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestLoad simulates ingest load by recording the specified number of
// requests, respecting the rate limiter if configured. Returns
// accepted/denied counts and current health state.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 10
	}
	var accepted, denied int
	for i := 0; i < body.Count; i++ {
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			traffic.RecordDenied()
			observability.RateLimitDeniedTotal.Inc()
			denied++
			continue
		}
		traffic.RecordSuccess()
		accepted++
	}
	result := h.computeHealthStatus(r.Context())
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    result.status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError simulates forward failures by recording the specified number
// of error outcomes. Returns the resulting error rate and health state.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 1
	}
	for i := 0; i < body.Count; i++ {
		traffic.RecordError()
	}
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errorCount, total := traffic.ErrorRate(window)
	pct := 0
	if total > 0 {
		pct = errorCount * 100 / total
	}
	result := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(body.Count) + " errors",
		"state":          result.status,
		"error_rate_pct": pct,
	})
}

// postTestReset clears all simulated state including window counters and the
// shutdown flag. Used for test cleanup.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown sets the shutdown flag. Health checks return
// shutting-down status after this is called.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}
