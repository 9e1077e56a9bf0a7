package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbeaumont/datadog-relay/internal/circuitbreaker"
	"github.com/mbeaumont/datadog-relay/internal/models"
	"github.com/mbeaumont/datadog-relay/internal/observability"
)

// IngestClient is the upstream ingest API surface used by the shipper and
// the health handler.
type IngestClient interface {
	PostEvent(ctx context.Context, event *models.Event) error
	PostSeries(ctx context.Context, series []*models.Series) error
	Validate(ctx context.Context) error
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrBadPayload      = errors.New("payload rejected")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamFailure = errors.New("upstream failure")
)

const (
	eventsPath   = "/api/v1/events"
	seriesPath   = "/api/v1/series"
	validatePath = "/api/v1/validate"
)

// APIError is a non-2xx response from the ingest API, carrying the decoded
// error body when one was present. Unwrap maps the status code onto the
// package sentinels so errors.Is works for callers.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrInvalidAPIKey
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusRequestEntityTooLarge:
		return ErrBadPayload
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrUpstreamFailure
	}
}

// apiErrorBody is the ingest API's error envelope.
type apiErrorBody struct {
	Errors []string `json:"errors"`
}

// DatadogClient posts payloads to the Datadog ingest API, authenticating
// with the DD-API-KEY header. Retries retryable failures with exponential
// backoff and jitter; an optional outbound rate limiter and circuit breaker
// gate each attempt.
type DatadogClient struct {
	apiKey         string
	site           string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	limiter        *rate.Limiter
	breaker        *circuitbreaker.CircuitBreaker
}

// NewDatadogClient creates a client with default retry policy
// (3 attempts, 100ms base delay, 2s max delay).
func NewDatadogClient(apiKey, site string, timeout time.Duration) (*DatadogClient, error) {
	return NewDatadogClientWithRetry(apiKey, site, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewDatadogClientWithRetry creates a client with an explicit retry policy.
func NewDatadogClientWithRetry(apiKey, site string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*DatadogClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if site == "" {
		site = "https://api.datadoghq.com"
	}

	return &DatadogClient{
		apiKey:         apiKey,
		site:           strings.TrimRight(site, "/"),
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetRateLimiter installs an outbound token-bucket limiter. Each attempt
// (including retries) waits for a token first.
func (c *DatadogClient) SetRateLimiter(l *rate.Limiter) {
	c.limiter = l
}

// SetCircuitBreaker installs a circuit breaker around upstream calls.
func (c *DatadogClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// PostEvent posts a single event to the event stream.
func (c *DatadogClient) PostEvent(ctx context.Context, event *models.Event) error {
	return c.post(ctx, eventsPath, "events", event)
}

// PostSeries submits a batch of timeseries.
func (c *DatadogClient) PostSeries(ctx context.Context, series []*models.Series) error {
	payload := struct {
		Series []*models.Series `json:"series"`
	}{Series: series}
	return c.post(ctx, seriesPath, "series", payload)
}

// post sends payload with retries. Non-retryable errors (auth, bad payload,
// open circuit) fail immediately; retryable ones back off and retry.
func (c *DatadogClient) post(ctx context.Context, path, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ForwardRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("outbound rate limit: %w", err)
			}
		}

		call := func() error { return c.doPost(ctx, path, endpoint, body) }
		if c.breaker != nil {
			err = c.breaker.Call(ctx, call)
		} else {
			err = call()
		}
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// doPost performs one POST attempt and records call metrics.
func (c *DatadogClient) doPost(ctx context.Context, path, endpoint string, body []byte) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.site+path, bytes.NewReader(body))
	if err != nil {
		observability.ForwardCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DD-API-KEY", c.apiKey)
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.ForwardCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.ForwardDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.ForwardCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.ForwardDuration.WithLabelValues(endpoint, status).Observe(duration)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope apiErrorBody
	if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil {
		apiErr.Messages = envelope.Errors
	}
	return apiErr
}

// Validate checks that the configured API key is accepted upstream.
// Used by the health handler.
func (c *DatadogClient) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.site+validatePath, nil)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("DD-API-KEY", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: API key rejected by ingest API", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *DatadogClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "connection refused") {
		return true
	}

	return false
}

func (c *DatadogClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
