package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/cloud-cover-service/internal/observability"
)

// Refresher recomputes the cached value and writes it back. Implemented by the service
// layer; declared here to avoid a dependency on the service package.
type Refresher interface {
	Refresh(ctx context.Context) (float64, error)
}

// CacheWarmer populates the cache ahead of requests so the first caller after startup
// (or after expiry) does not pay for the provider call.
type CacheWarmer struct {
	refresher Refresher
	logger    *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer. logger may be nil.
func NewCacheWarmer(refresher Refresher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{refresher: refresher, logger: logger}
}

// Warm runs one refresh and records its outcome.
func (w *CacheWarmer) Warm(ctx context.Context) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	value, err := w.refresher.Refresh(ctx)
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	if w.logger != nil {
		w.logger.Info("cache warmed", zap.Float64("last_cloud_cover", value), zap.Float64("duration_seconds", duration))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
// Individual failures are logged and do not stop the loop.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, interval time.Duration) error {
	if err := w.Warm(ctx); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
