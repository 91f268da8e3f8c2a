//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/kjstillabower/cloud-cover-service/internal/cache"
	"github.com/kjstillabower/cloud-cover-service/internal/observability"
	"github.com/kjstillabower/cloud-cover-service/internal/provider"
	"github.com/kjstillabower/cloud-cover-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	ServiceAccountKey string
	EarthEngineURL    string
	CacheBackend      string // "redis", "memcached" or "in_memory"
	RedisHost         string
	RedisPort         string
	MemcachedAddr     string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if SERVICE_ACCOUNT_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	key := os.Getenv("SERVICE_ACCOUNT_KEY")
	if key == "" {
		t.Skip("SERVICE_ACCOUNT_KEY not set, skipping integration test")
	}

	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		redisHost = "localhost"
	}
	redisPort := os.Getenv("REDIS_PORT")
	if redisPort == "" {
		redisPort = "6379"
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		ServiceAccountKey: key,
		EarthEngineURL:    os.Getenv("EARTHENGINE_URL"),
		CacheBackend:      os.Getenv("INTEGRATION_CACHE_BACKEND"),
		RedisHost:         redisHost,
		RedisPort:         redisPort,
		MemcachedAddr:     memcachedAddr,
	}
}

// SetupIntegrationService creates a service backed by live Earth Engine and the configured
// cache, falling back to the in-memory cache when the network backend is unreachable.
// The key is unique per test so runs do not read each other's values.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.CloudCoverService, cache.Backend, string) {
	t.Helper()
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	eeClient, err := provider.NewEarthEngineClient(cfg.ServiceAccountKey, provider.Options{
		BaseURL: cfg.EarthEngineURL,
		Timeout: 60 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewEarthEngineClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	backend, err := cache.Open(ctx, cache.Options{
		Backend:        cfg.CacheBackend,
		Redis:          cache.RedisOptions{Host: cfg.RedisHost, Port: cfg.RedisPort},
		MemcachedAddrs: cfg.MemcachedAddr,
		ConnectTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Logf("cache backend %q not available (%v), using in-memory cache", cfg.CacheBackend, err)
		backend = cache.NewInMemoryCache()
	}
	t.Cleanup(func() { _ = backend.Close() })

	key := "it_cloud_cover_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	svc := service.NewCloudCoverService(eeClient, backend, service.Options{Key: key, TTL: time.Minute}, logger)
	return svc, backend, key
}
