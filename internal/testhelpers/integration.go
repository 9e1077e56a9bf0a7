//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/mbeaumont/datadog-relay/internal/client"
	"github.com/mbeaumont/datadog-relay/internal/dedup"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	Site          string
	DedupBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if DD_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("DD_API_KEY")
	if apiKey == "" {
		t.Skip("DD_API_KEY not set, skipping integration test")
	}

	site := os.Getenv("DD_SITE")
	if site == "" {
		site = "https://api.datadoghq.com"
	}

	dedupBackend := os.Getenv("INTEGRATION_DEDUP_BACKEND")
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		Site:          site,
		DedupBackend:  dedupBackend,
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationClient creates a Datadog client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) client.IngestClient {
	c, err := client.NewDatadogClient(cfg.APIKey, cfg.Site, 10*time.Second)
	if err != nil {
		t.Fatalf("NewDatadogClient() error = %v", err)
	}
	return c
}

// SetupIntegrationDedup creates a dedup cache for integration tests, falling
// back to in-memory when memcached is unavailable. Returns the cache and a
// cleanup function.
func SetupIntegrationDedup(t *testing.T, cfg IntegrationTestConfig) (dedup.Cache, func()) {
	if cfg.DedupBackend == "memcached" {
		memcachedCache, err := dedup.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && memcachedCache.Ping() == nil {
			t.Logf("Using memcached dedup cache at %s", cfg.MemcachedAddr)
			return memcachedCache, func() { memcachedCache.Close() }
		}
		t.Logf("Memcached not available, using in-memory dedup cache")
	}
	return dedup.NewInMemoryCache(), func() {}
}
