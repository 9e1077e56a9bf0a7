package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mbeaumont/datadog-relay/internal/circuitbreaker"
	"github.com/mbeaumont/datadog-relay/internal/client"
	"github.com/mbeaumont/datadog-relay/internal/config"
	"github.com/mbeaumont/datadog-relay/internal/dedup"
	httphandler "github.com/mbeaumont/datadog-relay/internal/http"
	"github.com/mbeaumont/datadog-relay/internal/lifecycle"
	"github.com/mbeaumont/datadog-relay/internal/observability"
	"github.com/mbeaumont/datadog-relay/internal/shipper"
	"github.com/mbeaumont/datadog-relay/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ddClient, err := client.NewDatadogClientWithRetry(
		cfg.DatadogAPIKey,
		cfg.DatadogSite,
		cfg.DatadogTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("datadog client", zap.Error(err))
	}

	if cfg.ForwardRateLimitRPS > 0 {
		ddClient.SetRateLimiter(rate.NewLimiter(rate.Limit(cfg.ForwardRateLimitRPS), cfg.ForwardRateLimitBurst))
		logger.Info("outbound rate limit enabled", zap.Int("rps", cfg.ForwardRateLimitRPS), zap.Int("burst", cfg.ForwardRateLimitBurst))
	}

	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        "datadog_api",
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition("datadog_api", from.String(), to.String())
			observability.SetCircuitBreakerStateGauge("datadog_api", float64(to))
		},
	})
	ddClient.SetCircuitBreaker(cb)
	observability.SetCircuitBreakerStateGauge("datadog_api", 0)
	logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.BreakerFailureThreshold), zap.Duration("timeout", cfg.BreakerTimeout))

	var dedupCache dedup.Cache
	var memcacheCloser *dedup.MemcachedCache
	switch cfg.DedupBackend {
	case "memcached":
		mc, err := dedup.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached dedup cache", zap.Error(err))
		}
		memcacheCloser = mc
		dedupCache = mc
		logger.Info("dedup backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		dedupCache = dedup.NewInMemoryCache()
		logger.Info("dedup backend: in_memory")
	}

	sh := shipper.New(ddClient, logger, shipper.Config{
		FlushInterval:  cfg.FlushInterval,
		MaxEventBatch:  cfg.MaxEventBatch,
		MaxSeriesBatch: cfg.MaxSeriesBatch,
		EventQueueCap:  cfg.EventQueueCap,
		SeriesQueueCap: cfg.SeriesQueueCap,
	})
	shipperCtx, stopShipper := context.WithCancel(context.Background())
	shipperDone := make(chan struct{})
	go func() {
		defer close(shipperDone)
		if err := sh.Run(shipperCtx); err != nil && err != context.Canceled {
			logger.Error("shipper stopped", zap.Error(err))
		}
	}()

	retention := cfg.OverloadWindow
	if cfg.DegradedWindow > retention {
		retention = cfg.DegradedWindow
	}
	traffic.SetRetention(retention)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.IngestRateLimitRPS,
		RateLimitBurst:       cfg.IngestRateLimitBurst,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		StartTime:            time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.IngestRateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.IngestRateLimitRPS), cfg.IngestRateLimitBurst)
	}
	handler := httphandler.NewHandler(sh, ddClient, dedupCache, cfg.DedupTTL, healthConfig, logger, limiter)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	ingestRouter := router.PathPrefix("/v1").Subrouter()
	ingestRouter.Use(httphandler.RateLimitMiddleware(limiter))
	ingestRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	ingestRouter.HandleFunc("/events", handler.PostEvent).Methods("POST")
	ingestRouter.HandleFunc("/series", handler.PostSeries).Methods("POST")

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", handler.PostTestAction).Methods("POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	stopShipper()
	<-shipperDone
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	events, series := sh.Depths()
	logger.Info("draining forwarding queues", zap.Int("events", events), zap.Int("series", series))
	if err := sh.Drain(drainCtx); err != nil {
		logger.Warn("queue drain incomplete", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
