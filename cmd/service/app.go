package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/cloud-cover-service/internal/cache"
	"github.com/kjstillabower/cloud-cover-service/internal/circuitbreaker"
	"github.com/kjstillabower/cloud-cover-service/internal/config"
	httphandler "github.com/kjstillabower/cloud-cover-service/internal/http"
	"github.com/kjstillabower/cloud-cover-service/internal/observability"
	"github.com/kjstillabower/cloud-cover-service/internal/provider"
	"github.com/kjstillabower/cloud-cover-service/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const providerComponent = "earth_engine"

// app is the wired service. backend and warmer are nil when the cache was unreachable
// at startup.
type app struct {
	router  http.Handler
	backend cache.Backend
	warmer  *cache.CacheWarmer
	// degradedReason is the startup cache error, nil when the cache is usable.
	degradedReason error
}

// newApp builds every dependency from cfg. An unusable service-account key yields a provider
// that always fails, so misses serve the sentinel. An unreachable or misaddressed cache
// yields an app that answers 500 to every lookup.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) *app {
	eeClient, err := provider.NewEarthEngineClient(cfg.ServiceAccountKey, provider.Options{
		BaseURL:        cfg.EarthEngineURL,
		Project:        cfg.EarthEngineProject,
		Timeout:        cfg.ProviderTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Query: provider.Query{
			Collection:   cfg.Collection,
			Window:       cfg.Window,
			SortProperty: cfg.SortProperty,
			Attribute:    cfg.Attribute,
		},
	})
	if err != nil {
		logger.Error("service account key unusable, lookups will serve the sentinel", zap.Error(err))
		eeClient = provider.Unconfigured(err)
	} else {
		logger.Info("earth engine client ready", zap.String("project", eeClient.Project()), zap.String("collection", cfg.Collection))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        providerComponent,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(providerComponent, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(providerComponent, float64(to))
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		eeClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge(providerComponent, float64(circuitbreaker.StateClosed))
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	a := &app{}
	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		FallbackPct:          cfg.FallbackPct,
		StartTime:            time.Now(),
		Version:              version,
	}

	var lookup httphandler.CloudCoverLookup
	connectCtx, cancel := context.WithTimeout(ctx, cfg.CacheConnectTimeout)
	backend, err := cache.Open(connectCtx, cache.Options{
		Backend: cfg.CacheBackend,
		Redis: cache.RedisOptions{
			Host: cfg.RedisHost,
			Port: cfg.RedisPort,
			DB:   cfg.RedisDB,
		},
		MemcachedAddrs:        cfg.MemcachedAddrs,
		ConnectTimeout:        cfg.CacheConnectTimeout,
		MemcachedMaxIdleConns: cfg.MemcachedMaxIdleConns,
	})
	cancel()
	if err != nil {
		logger.Error("cache unavailable at startup, serving errors until restart",
			zap.String("backend", cfg.CacheBackend),
			zap.String("redis_host", cfg.RedisHost),
			zap.String("redis_port", cfg.RedisPort),
			zap.Error(err))
		observability.SetDegradedMode(true)
		a.degradedReason = err
		healthConfig.CacheUnavailable = err
		lookup = service.Unavailable(err)
	} else {
		logger.Info("cache connected", zap.String("backend", cfg.CacheBackend))
		observability.SetDegradedMode(false)
		svc := service.NewCloudCoverService(eeClient, backend, service.Options{
			Key:            cfg.CacheKey,
			TTL:            cfg.CacheTTL,
			CoalesceMisses: cfg.CoalesceMisses,
		}, logger)
		a.backend = backend
		a.warmer = cache.NewCacheWarmer(svc, logger)
		healthConfig.CachePing = backend.Ping
		lookup = svc
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
		observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	}

	handler := httphandler.NewHandler(lookup, eeClient, healthConfig, httphandler.SummaryConfig{
		DisplayName: cfg.DisplayName,
		Window:      cfg.Window,
	}, logger)
	a.router = httphandler.NewRouter(handler, logger, httphandler.RouterOptions{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	})
	return a
}

// startWarmer refreshes the cache once, then periodically when interval > 0, until ctx is done.
func (a *app) startWarmer(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if a.warmer == nil {
		logger.Info("cache warming skipped, cache unavailable")
		return
	}
	if interval <= 0 {
		go func() {
			if err := a.warmer.Warm(ctx); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
		}()
		return
	}
	go func() {
		if err := a.warmer.WarmPeriodic(ctx, interval); err != nil && ctx.Err() == nil {
			logger.Error("periodic cache warming stopped", zap.Error(err))
		}
	}()
}

func (a *app) close() error {
	if a.backend == nil {
		return nil
	}
	return a.backend.Close()
}
