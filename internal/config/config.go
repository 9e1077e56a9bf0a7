package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds relay configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	DatadogAPIKey  string
	DatadogSite    string
	DatadogTimeout time.Duration

	RequestTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Ingest-side token bucket applied to the local HTTP API.
	IngestRateLimitRPS   int
	IngestRateLimitBurst int

	// Outbound rate limit applied to forwarding attempts. 0 disables it.
	ForwardRateLimitRPS   int
	ForwardRateLimitBurst int

	FlushInterval  time.Duration
	MaxEventBatch  int
	MaxSeriesBatch int
	EventQueueCap  int
	SeriesQueueCap int

	DedupBackend          string // "in_memory" or "memcached"
	DedupTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Datadog struct {
		Site    string `yaml:"site"`
		Timeout string `yaml:"timeout"`
	} `yaml:"datadog"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Ingest struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"ingest"`

	Forwarding struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		FlushInterval    string `yaml:"flush_interval"`
		MaxEventBatch    int    `yaml:"max_event_batch"`
		MaxSeriesBatch   int    `yaml:"max_series_batch"`
		EventQueueCap    int    `yaml:"event_queue_cap"`
		SeriesQueueCap   int    `yaml:"series_queue_cap"`
	} `yaml:"forwarding"`

	Dedup struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"dedup"`

	CircuitBreaker struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Shutdown struct {
		Timeout      string `yaml:"timeout"`
		DrainTimeout string `yaml:"drain_timeout"`
	} `yaml:"shutdown"`

	Health struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`
}

type secretsFile struct {
	DatadogAPIKey string `yaml:"datadog_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// API key comes from DD_API_KEY env or secrets file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: false,
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.DatadogAPIKey = os.Getenv("DD_API_KEY")
	if cfg.DatadogAPIKey == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.DatadogAPIKey = sec.DatadogAPIKey
		}
	}
	if cfg.DatadogAPIKey == "" {
		return nil, fmt.Errorf("DD_API_KEY required (set env or config/secrets.yaml datadog_api_key)")
	}

	cfg.DatadogSite = strings.TrimSpace(os.Getenv("DD_SITE"))
	if cfg.DatadogSite == "" {
		cfg.DatadogSite = strings.TrimSpace(fc.Datadog.Site)
	}
	if cfg.DatadogSite == "" {
		cfg.DatadogSite = "https://api.datadoghq.com"
	}
	cfg.DatadogTimeout = parseDurationOrZero(fc.Datadog.Timeout, 10*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.IngestRateLimitRPS = fc.Ingest.RateLimitRPS
	if cfg.IngestRateLimitRPS <= 0 {
		cfg.IngestRateLimitRPS = 500
	}
	cfg.IngestRateLimitBurst = fc.Ingest.RateLimitBurst
	if cfg.IngestRateLimitBurst <= 0 {
		cfg.IngestRateLimitBurst = 1000
	}

	cfg.RetryAttempts = fc.Forwarding.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Forwarding.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Forwarding.RetryMaxDelay, 2*time.Second)
	cfg.ForwardRateLimitRPS = fc.Forwarding.RateLimitRPS
	cfg.ForwardRateLimitBurst = fc.Forwarding.RateLimitBurst
	if cfg.ForwardRateLimitRPS > 0 && cfg.ForwardRateLimitBurst <= 0 {
		cfg.ForwardRateLimitBurst = cfg.ForwardRateLimitRPS
	}
	cfg.FlushInterval = parseDuration(fc.Forwarding.FlushInterval, 10*time.Second)
	cfg.MaxEventBatch = fc.Forwarding.MaxEventBatch
	if cfg.MaxEventBatch <= 0 {
		cfg.MaxEventBatch = 100
	}
	cfg.MaxSeriesBatch = fc.Forwarding.MaxSeriesBatch
	if cfg.MaxSeriesBatch <= 0 {
		cfg.MaxSeriesBatch = 500
	}
	cfg.EventQueueCap = fc.Forwarding.EventQueueCap
	if cfg.EventQueueCap <= 0 {
		cfg.EventQueueCap = cfg.MaxEventBatch * 10
	}
	cfg.SeriesQueueCap = fc.Forwarding.SeriesQueueCap
	if cfg.SeriesQueueCap <= 0 {
		cfg.SeriesQueueCap = cfg.MaxSeriesBatch * 10
	}

	cfg.DedupBackend = strings.TrimSpace(strings.ToLower(os.Getenv("DEDUP_BACKEND")))
	if cfg.DedupBackend == "" {
		cfg.DedupBackend = strings.TrimSpace(strings.ToLower(fc.Dedup.Backend))
	}
	if cfg.DedupBackend == "" {
		cfg.DedupBackend = "in_memory"
	}
	cfg.DedupTTL = parseDuration(fc.Dedup.TTL, 5*time.Minute)
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Dedup.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Dedup.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Dedup.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.BreakerFailureThreshold = fc.CircuitBreaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.CircuitBreaker.SuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.DrainTimeout = parseDuration(fc.Shutdown.DrainTimeout, 20*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Health.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 25
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Ensures DatadogTimeout is positive, RequestTimeout exceeds it, and
// DedupBackend is a valid value. Auto-adjusts RequestTimeout if needed.
func validate(cfg *Config) error {
	if cfg.DatadogTimeout <= 0 {
		return fmt.Errorf("datadog.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.DatadogTimeout {
		cfg.RequestTimeout = cfg.DatadogTimeout + time.Second
	}
	switch cfg.DedupBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("dedup.backend must be in_memory or memcached, got %q", cfg.DedupBackend)
	}
	if cfg.EventQueueCap < cfg.MaxEventBatch {
		return fmt.Errorf("forwarding.event_queue_cap must be at least max_event_batch")
	}
	if cfg.SeriesQueueCap < cfg.MaxSeriesBatch {
		return fmt.Errorf("forwarding.series_queue_cap must be at least max_series_batch")
	}
	return nil
}
