package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mbeaumont/datadog-relay/internal/dedup"
	"github.com/mbeaumont/datadog-relay/internal/lifecycle"
	"github.com/mbeaumont/datadog-relay/internal/models"
	"github.com/mbeaumont/datadog-relay/internal/shipper"
	"github.com/mbeaumont/datadog-relay/internal/traffic"
)

// stubClient satisfies client.IngestClient for handler tests. Forwarding is
// never exercised here; only Validate matters for the health handler.
type stubClient struct {
	validateErr error
}

func (s *stubClient) PostEvent(ctx context.Context, e *models.Event) error { return nil }
func (s *stubClient) PostSeries(ctx context.Context, series []*models.Series) error {
	return nil
}
func (s *stubClient) Validate(ctx context.Context) error { return s.validateErr }

func newTestHandler(t *testing.T, cfg shipper.Config, healthConfig *HealthConfig) *Handler {
	t.Helper()
	t.Cleanup(traffic.Reset)
	sh := shipper.New(&stubClient{}, zap.NewNop(), cfg)
	return NewHandler(sh, &stubClient{}, dedup.NewInMemoryCache(), time.Minute, healthConfig, zap.NewNop(), nil)
}

func postJSON(h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

func validSeriesBody() string {
	return fmt.Sprintf(`{"series":[{"metric":"cpu.usage","type":"gauge","points":[[%d,42.5]]}]}`,
		time.Now().Unix())
}

func TestPostEvent_Queued(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)

	w := postJSON(h.PostEvent, "/v1/events", `{"title":"deploy finished","text":"build 42 is live"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"queued"`) {
		t.Errorf("Body = %s, want status queued", w.Body.String())
	}
	events, _ := h.shipper.Depths()
	if events != 1 {
		t.Errorf("event queue depth = %d, want 1", events)
	}
}

func TestPostEvent_MalformedBody(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)

	w := postJSON(h.PostEvent, "/v1/events", `{not json`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, w); code != "MALFORMED_BODY" {
		t.Errorf("error code = %q, want MALFORMED_BODY", code)
	}
}

func TestPostEvent_ValidationFailure(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing title", `{"text":"something happened"}`},
		{"missing text", `{"title":"deploy"}`},
		{"title too long", `{"title":"` + strings.Repeat("a", 101) + `","text":"x"}`},
		{"bad alert type", `{"title":"deploy","text":"x","alert_type":"critical"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(h.PostEvent, "/v1/events", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
			if code := errorCode(t, w); code != "INVALID_EVENT" {
				t.Errorf("error code = %q, want INVALID_EVENT", code)
			}
		})
	}
}

func TestPostEvent_Deduplicated(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)
	body := `{"title":"disk full","text":"/var at 98%","aggregation_key":"disk-full-web1"}`

	w1 := postJSON(h.PostEvent, "/v1/events", body)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first post: Status = %d, want %d", w1.Code, http.StatusAccepted)
	}

	w2 := postJSON(h.PostEvent, "/v1/events", body)
	if w2.Code != http.StatusAccepted {
		t.Fatalf("second post: Status = %d, want %d", w2.Code, http.StatusAccepted)
	}
	if !strings.Contains(w2.Body.String(), `"deduplicated"`) {
		t.Errorf("second post body = %s, want deduplicated", w2.Body.String())
	}

	events, _ := h.shipper.Depths()
	if events != 1 {
		t.Errorf("event queue depth = %d, want 1 (duplicate suppressed)", events)
	}
}

func TestPostEvent_DedupFailsOpen(t *testing.T) {
	t.Cleanup(traffic.Reset)
	sh := shipper.New(&stubClient{}, zap.NewNop(), shipper.Config{})
	h := NewHandler(sh, &stubClient{}, failingCache{}, time.Minute, nil, zap.NewNop(), nil)

	w := postJSON(h.PostEvent, "/v1/events",
		`{"title":"disk full","text":"/var at 98%","aggregation_key":"disk-full-web1"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d (dedup backend errors must not block ingest)", w.Code, http.StatusAccepted)
	}
	events, _ := h.shipper.Depths()
	if events != 1 {
		t.Errorf("event queue depth = %d, want 1", events)
	}
}

type failingCache struct{}

func (failingCache) Seen(ctx context.Context, key string) (bool, error) {
	return false, errors.New("memcache: connect timeout")
}
func (failingCache) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return errors.New("memcache: connect timeout")
}

func TestPostEvent_QueueFull(t *testing.T) {
	h := newTestHandler(t, shipper.Config{EventQueueCap: 1}, nil)
	body := `{"title":"deploy","text":"x"}`

	if w := postJSON(h.PostEvent, "/v1/events", body); w.Code != http.StatusAccepted {
		t.Fatalf("first post: Status = %d, want %d", w.Code, http.StatusAccepted)
	}

	w := postJSON(h.PostEvent, "/v1/events", body)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if code := errorCode(t, w); code != "QUEUE_FULL" {
		t.Errorf("error code = %q, want QUEUE_FULL", code)
	}
}

func TestPostEvent_QueueFullRetryNotDeduplicated(t *testing.T) {
	h := newTestHandler(t, shipper.Config{EventQueueCap: 1}, nil)
	body := `{"title":"disk full","text":"/var at 98%","aggregation_key":"disk-full-web1"}`

	if w := postJSON(h.PostEvent, "/v1/events", `{"title":"filler","text":"x"}`); w.Code != http.StatusAccepted {
		t.Fatalf("filler post: Status = %d, want %d", w.Code, http.StatusAccepted)
	}

	w := postJSON(h.PostEvent, "/v1/events", body)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	// The 503 told the producer to retry. Once the queue has room, the
	// retry must be queued, not answered as a duplicate of the rejected
	// attempt.
	h.shipper.Flush(context.Background())

	w = postJSON(h.PostEvent, "/v1/events", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("retry: Status = %d, want %d. Body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"queued"`) {
		t.Errorf("retry body = %s, want queued", w.Body.String())
	}
	events, _ := h.shipper.Depths()
	if events != 1 {
		t.Errorf("event queue depth = %d, want 1", events)
	}
}

func TestPostEvent_Draining(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)
	if err := h.shipper.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	w := postJSON(h.PostEvent, "/v1/events", `{"title":"deploy","text":"x"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if code := errorCode(t, w); code != "SHUTTING_DOWN" {
		t.Errorf("error code = %q, want SHUTTING_DOWN", code)
	}
}

func TestPostSeries_Queued(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)
	now := time.Now().Unix()
	body := fmt.Sprintf(`{"series":[
		{"metric":"cpu.usage","type":"gauge","points":[[%d,42.5]]},
		{"metric":"requests.count","type":"count","interval":10,"points":[[%d,7]]}
	]}`, now, now)

	w := postJSON(h.PostSeries, "/v1/series", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "queued" || resp.Count != 2 {
		t.Errorf("response = %+v, want queued count 2", resp)
	}
	_, series := h.shipper.Depths()
	if series != 2 {
		t.Errorf("series queue depth = %d, want 2", series)
	}
}

func TestPostSeries_Empty(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)

	w := postJSON(h.PostSeries, "/v1/series", `{"series":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, w); code != "EMPTY_SERIES" {
		t.Errorf("error code = %q, want EMPTY_SERIES", code)
	}
}

func TestPostSeries_ValidationFailure(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)
	body := fmt.Sprintf(`{"series":[
		{"metric":"cpu.usage","type":"gauge","points":[[%d,42.5]]},
		{"metric":"9bad","type":"gauge","points":[[%d,1]]}
	]}`, time.Now().Unix(), time.Now().Unix())

	w := postJSON(h.PostSeries, "/v1/series", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
	if code := errorCode(t, w); code != "INVALID_SERIES" {
		t.Errorf("error code = %q, want INVALID_SERIES", code)
	}
	if !strings.Contains(w.Body.String(), "series[1]") {
		t.Errorf("message should name the failing index, got %s", w.Body.String())
	}
}

func TestPostSeries_QueueFull(t *testing.T) {
	h := newTestHandler(t, shipper.Config{SeriesQueueCap: 1}, nil)

	if w := postJSON(h.PostSeries, "/v1/series", validSeriesBody()); w.Code != http.StatusAccepted {
		t.Fatalf("first post: Status = %d, want %d", w.Code, http.StatusAccepted)
	}

	w := postJSON(h.PostSeries, "/v1/series", validSeriesBody())
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if code := errorCode(t, w); code != "QUEUE_FULL" {
		t.Errorf("error code = %q, want QUEUE_FULL", code)
	}
}

func TestPostSeries_QueueFullMidBatch(t *testing.T) {
	h := newTestHandler(t, shipper.Config{SeriesQueueCap: 3}, nil)
	now := time.Now().Unix()
	twoSeries := fmt.Sprintf(`{"series":[
		{"metric":"cpu.usage","type":"gauge","points":[[%d,42.5]]},
		{"metric":"mem.usage","type":"gauge","points":[[%d,61.2]]}
	]}`, now, now)

	if w := postJSON(h.PostSeries, "/v1/series", twoSeries); w.Code != http.StatusAccepted {
		t.Fatalf("first post: Status = %d, want %d. Body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	// Only one slot left for a batch of two. The whole batch is rejected
	// so the producer can resubmit it without double-sending a prefix.
	w := postJSON(h.PostSeries, "/v1/series", twoSeries)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusServiceUnavailable, w.Body.String())
	}
	if code := errorCode(t, w); code != "QUEUE_FULL" {
		t.Errorf("error code = %q, want QUEUE_FULL", code)
	}
	_, series := h.shipper.Depths()
	if series != 2 {
		t.Errorf("series queue depth = %d, want 2 (no partial enqueue from the rejected batch)", series)
	}
}

func getHealth(h *Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	h.GetHealth(w, req)
	return w
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	return resp
}

func TestGetHealth_Healthy(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)

	w := getHealth(h)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeHealth(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	checks := resp["checks"].(map[string]interface{})
	if checks["datadogApi"] != "healthy" {
		t.Errorf("datadogApi check = %v, want healthy", checks["datadogApi"])
	}
}

func TestGetHealth_APIKeyInvalid(t *testing.T) {
	t.Cleanup(traffic.Reset)
	sh := shipper.New(&stubClient{}, zap.NewNop(), shipper.Config{})
	bad := &stubClient{validateErr: errors.New("403")}
	h := NewHandler(sh, bad, nil, 0, nil, zap.NewNop(), nil)

	w := getHealth(h)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if resp := decodeHealth(t, w); resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestGetHealth_ShuttingDown(t *testing.T) {
	lifecycle.SetShuttingDown(true)
	t.Cleanup(func() { lifecycle.SetShuttingDown(false) })
	h := newTestHandler(t, shipper.Config{}, nil)

	w := getHealth(h)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if resp := decodeHealth(t, w); resp["status"] != "shutting-down" {
		t.Errorf("status = %v, want shutting-down", resp["status"])
	}
}

func TestGetHealth_Overloaded(t *testing.T) {
	cfg := &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 10,
		RateLimitRPS:         1,
		StartTime:            time.Now(),
	}
	h := newTestHandler(t, shipper.Config{}, cfg)

	// Threshold is 1 rps * 60s * 10% = 6 denials. Record more.
	for i := 0; i < 10; i++ {
		traffic.RecordDenied()
	}

	w := getHealth(h)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusServiceUnavailable, w.Body.String())
	}
	if resp := decodeHealth(t, w); resp["status"] != "overloaded" {
		t.Errorf("status = %v, want overloaded", resp["status"])
	}
}

func TestGetHealth_DegradedErrorRate(t *testing.T) {
	cfg := &HealthConfig{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
		StartTime:        time.Now(),
	}
	h := newTestHandler(t, shipper.Config{}, cfg)

	traffic.RecordSuccess()
	traffic.RecordError()
	traffic.RecordError()

	w := getHealth(h)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusServiceUnavailable, w.Body.String())
	}
	if resp := decodeHealth(t, w); resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestGetHealth_CachePing(t *testing.T) {
	cfg := &HealthConfig{
		StartTime: time.Now(),
		CachePing: func() error { return errors.New("memcache: no servers") },
	}
	h := newTestHandler(t, shipper.Config{}, cfg)

	w := getHealth(h)
	resp := decodeHealth(t, w)
	checks := resp["checks"].(map[string]interface{})
	if checks["dedupCache"] != "unhealthy" {
		t.Errorf("dedupCache check = %v, want unhealthy", checks["dedupCache"])
	}
	// An unreachable dedup cache alone does not fail health: duplicates
	// pass through but the relay keeps forwarding.
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
}

func TestGetHealth_ReportsQueueDepths(t *testing.T) {
	h := newTestHandler(t, shipper.Config{}, nil)
	postJSON(h.PostEvent, "/v1/events", `{"title":"deploy","text":"x"}`)

	resp := decodeHealth(t, getHealth(h))
	queues := resp["queues"].(map[string]interface{})
	if queues["events"].(float64) != 1 {
		t.Errorf("queues.events = %v, want 1", queues["events"])
	}
}
