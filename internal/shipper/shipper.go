package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mbeaumont/datadog-relay/internal/client"
	"github.com/mbeaumont/datadog-relay/internal/models"
	"github.com/mbeaumont/datadog-relay/internal/observability"
	"github.com/mbeaumont/datadog-relay/internal/traffic"
)

// ErrQueueFull is returned by Enqueue* when the queue is at capacity.
// The ingest handlers map it to 503 so producers back off instead of the
// relay silently losing payloads.
var ErrQueueFull = errors.New("shipper queue full")

// ErrDraining is returned by Enqueue* once Drain has begun.
var ErrDraining = errors.New("shipper draining")

// Config holds shipper tuning. Zero values fall back to defaults.
type Config struct {
	FlushInterval  time.Duration
	MaxEventBatch  int
	MaxSeriesBatch int
	EventQueueCap  int
	SeriesQueueCap int
}

// Shipper buffers events and series from the ingest handlers and flushes
// them upstream in batches, on a ticker or when a batch threshold is
// reached. Flush outcomes feed the traffic tracker for health reporting.
type Shipper struct {
	client client.IngestClient
	logger *zap.Logger
	cfg    Config

	mu       sync.Mutex
	events   []*models.Event
	series   []*models.Series
	draining bool

	wake chan struct{}
}

// New creates a Shipper. Defaults: 10s flush interval, 100-event and
// 500-series batches, queue capacities of 10x the batch sizes.
func New(c client.IngestClient, logger *zap.Logger, cfg Config) *Shipper {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxEventBatch <= 0 {
		cfg.MaxEventBatch = 100
	}
	if cfg.MaxSeriesBatch <= 0 {
		cfg.MaxSeriesBatch = 500
	}
	if cfg.EventQueueCap <= 0 {
		cfg.EventQueueCap = cfg.MaxEventBatch * 10
	}
	if cfg.SeriesQueueCap <= 0 {
		cfg.SeriesQueueCap = cfg.MaxSeriesBatch * 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shipper{
		client: c,
		logger: logger,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
	}
}

// EnqueueEvent queues an event for the next flush.
func (s *Shipper) EnqueueEvent(e *models.Event) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return ErrDraining
	}
	if len(s.events) >= s.cfg.EventQueueCap {
		s.mu.Unlock()
		observability.QueueDroppedTotal.WithLabelValues("events").Inc()
		return ErrQueueFull
	}
	s.events = append(s.events, e)
	depth := len(s.events)
	s.mu.Unlock()

	observability.QueueDepth.WithLabelValues("events").Set(float64(depth))
	if depth >= s.cfg.MaxEventBatch {
		s.signalFlush()
	}
	return nil
}

// EnqueueSeries queues a series for the next flush.
func (s *Shipper) EnqueueSeries(sr *models.Series) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return ErrDraining
	}
	if len(s.series) >= s.cfg.SeriesQueueCap {
		s.mu.Unlock()
		observability.QueueDroppedTotal.WithLabelValues("series").Inc()
		return ErrQueueFull
	}
	s.series = append(s.series, sr)
	depth := len(s.series)
	s.mu.Unlock()

	observability.QueueDepth.WithLabelValues("series").Set(float64(depth))
	if depth >= s.cfg.MaxSeriesBatch {
		s.signalFlush()
	}
	return nil
}

// EnqueueSeriesBatch queues all of batch or none of it. A partial enqueue
// would leave the producer unable to retry the whole request without
// double-submitting the accepted prefix.
func (s *Shipper) EnqueueSeriesBatch(batch []*models.Series) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return ErrDraining
	}
	if len(s.series)+len(batch) > s.cfg.SeriesQueueCap {
		s.mu.Unlock()
		observability.QueueDroppedTotal.WithLabelValues("series").Add(float64(len(batch)))
		return ErrQueueFull
	}
	s.series = append(s.series, batch...)
	depth := len(s.series)
	s.mu.Unlock()

	observability.QueueDepth.WithLabelValues("series").Set(float64(depth))
	if depth >= s.cfg.MaxSeriesBatch {
		s.signalFlush()
	}
	return nil
}

// Depths returns the current queue depths (events, series).
func (s *Shipper) Depths() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), len(s.series)
}

func (s *Shipper) signalFlush() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run flushes on the configured interval, or sooner when a batch threshold
// is reached, until ctx is cancelled. Call Drain afterwards to push out
// whatever is still queued.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Flush(ctx)
		case <-s.wake:
			s.Flush(ctx)
		}
	}
}

// Flush sends one batch from each queue. Events and series flush
// concurrently. Failed batches are dropped after the client's own retries;
// the outcome is recorded either way.
func (s *Shipper) Flush(ctx context.Context) {
	events, series := s.takeBatches()
	if len(events) == 0 && len(series) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(events) > 0 {
		g.Go(func() error {
			s.flushEvents(gctx, events)
			return nil
		})
	}
	if len(series) > 0 {
		g.Go(func() error {
			s.flushSeries(gctx, series)
			return nil
		})
	}
	_ = g.Wait()
}

// takeBatches removes up to one batch from each queue and updates the
// depth gauges.
func (s *Shipper) takeBatches() ([]*models.Event, []*models.Series) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nEvents := len(s.events)
	if nEvents > s.cfg.MaxEventBatch {
		nEvents = s.cfg.MaxEventBatch
	}
	events := s.events[:nEvents:nEvents]
	s.events = append([]*models.Event(nil), s.events[nEvents:]...)

	nSeries := len(s.series)
	if nSeries > s.cfg.MaxSeriesBatch {
		nSeries = s.cfg.MaxSeriesBatch
	}
	series := s.series[:nSeries:nSeries]
	s.series = append([]*models.Series(nil), s.series[nSeries:]...)

	observability.QueueDepth.WithLabelValues("events").Set(float64(len(s.events)))
	observability.QueueDepth.WithLabelValues("series").Set(float64(len(s.series)))
	return events, series
}

// flushEvents posts events one at a time; the upstream event endpoint
// takes a single event per request.
func (s *Shipper) flushEvents(ctx context.Context, events []*models.Event) {
	observability.FlushBatchSize.WithLabelValues("events").Observe(float64(len(events)))
	failed := 0
	for _, e := range events {
		if err := s.client.PostEvent(ctx, e); err != nil {
			failed++
			traffic.RecordError()
			if s.logger != nil {
				s.logger.Warn("event flush failed",
					zap.String("title", e.Title),
					zap.String("category", string(client.CategorizeError(err))),
					zap.Error(err))
			}
			continue
		}
		traffic.RecordSuccess()
	}
	status := "success"
	if failed > 0 {
		status = "error"
	}
	observability.FlushesTotal.WithLabelValues("events", status).Inc()
	if s.logger != nil {
		s.logger.Debug("events flushed", zap.Int("sent", len(events)-failed), zap.Int("failed", failed))
	}
}

// flushSeries submits the whole batch in one request.
func (s *Shipper) flushSeries(ctx context.Context, series []*models.Series) {
	observability.FlushBatchSize.WithLabelValues("series").Observe(float64(len(series)))
	if err := s.client.PostSeries(ctx, series); err != nil {
		traffic.RecordError()
		observability.FlushesTotal.WithLabelValues("series", "error").Inc()
		if s.logger != nil {
			s.logger.Warn("series flush failed",
				zap.Int("batch", len(series)),
				zap.String("category", string(client.CategorizeError(err))),
				zap.Error(err))
		}
		return
	}
	traffic.RecordSuccess()
	observability.FlushesTotal.WithLabelValues("series", "success").Inc()
	if s.logger != nil {
		s.logger.Debug("series flushed", zap.Int("batch", len(series)))
	}
}

// Drain stops intake and flushes until both queues are empty or ctx
// expires. Call during graceful shutdown, after the ingest server has
// stopped accepting requests.
func (s *Shipper) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	for {
		events, series := s.Depths()
		if events == 0 && series == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("drain incomplete: %d events, %d series still queued: %w", events, series, ctx.Err())
		}
		s.Flush(ctx)
	}
}
