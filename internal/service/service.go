package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/cloud-cover-service/internal/cache"
	"github.com/kjstillabower/cloud-cover-service/internal/degraded"
	"github.com/kjstillabower/cloud-cover-service/internal/models"
	"github.com/kjstillabower/cloud-cover-service/internal/observability"
	"github.com/kjstillabower/cloud-cover-service/internal/provider"
)

const (
	// DefaultKey is the single cache key holding the latest value.
	DefaultKey = "last_cloud_cover"
	// DefaultTTL is how long a computed value is served from cache.
	DefaultTTL = time.Hour
)

// ErrCacheUnavailable is returned by Lookup when the cache cannot be read. Handlers map it
// to HTTP 500.
var ErrCacheUnavailable = errors.New("cache unavailable")

// Options configures a CloudCoverService. Zero values select DefaultKey and DefaultTTL.
// CoalesceMisses makes concurrent misses share one provider call and one cache write.
type Options struct {
	Key            string
	TTL            time.Duration
	CoalesceMisses bool
}

// CloudCoverService serves the latest cloud-cover value using the cache-aside pattern:
// read the cache, compute on miss, write back only successful computations.
// Safe for concurrent use.
type CloudCoverService struct {
	provider provider.Provider
	cache    cache.Store
	key      string
	ttl      time.Duration
	logger   *zap.Logger
	stampede *stampedeTracker
	group    *singleflight.Group // nil unless misses are coalesced
}

// NewCloudCoverService returns a service reading and writing store and computing with p.
// logger is used when the request context carries none; nil means no logging.
func NewCloudCoverService(p provider.Provider, store cache.Store, opts Options, logger *zap.Logger) *CloudCoverService {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CloudCoverService{
		provider: p,
		cache:    store,
		key:      opts.Key,
		ttl:      opts.TTL,
		logger:   logger,
		stampede: newStampedeTracker(),
	}
	if opts.CoalesceMisses {
		s.group = &singleflight.Group{}
	}
	return s
}

// loggerFromContext returns the request-scoped logger placed in ctx by middleware, or fallback.
func loggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return fallback
}

// Lookup returns the cached value when present, otherwise computes it. A failed computation
// yields the sentinel with a nil error; only a cache read failure returns an error.
func (s *CloudCoverService) Lookup(ctx context.Context) (models.CloudCover, error) {
	start := time.Now()
	logger := loggerFromContext(ctx, s.logger)

	raw, ok, err := s.get(ctx)
	if err != nil {
		logger.Error("cache read failed", zap.String("key", s.key), zap.Error(err))
		return models.CloudCover{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if ok {
		value, perr := parseCachedValue(raw)
		if perr == nil {
			observability.CacheHitsTotal.Inc()
			degraded.RecordServed()
			logger.Debug("cloud cover served",
				zap.Float64("last_cloud_cover", value),
				zap.Bool("from_cache", true),
				zap.Duration("duration", time.Since(start)),
			)
			return models.CloudCover{LastCloudCover: value, FromCache: true}, nil
		}
		observability.CacheMalformedTotal.Inc()
		logger.Warn("malformed cached value, recomputing", zap.String("key", s.key), zap.String("value", raw), zap.Error(perr))
	}
	observability.CacheMissesTotal.Inc()

	concurrent := s.stampede.RecordMiss(s.key)
	defer s.stampede.RecordHit(s.key)
	if concurrent > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		observability.CacheStampedeConcurrency.Observe(float64(concurrent))
	}

	logger.Debug("cache miss, computing", zap.String("key", s.key))
	outcome := s.computeMiss(ctx, logger)
	if !outcome.OK() {
		observability.SentinelServedTotal.Inc()
		degraded.RecordFallback()
		logger.Error("cloud cover computation failed, serving sentinel",
			zap.String("category", failureCategory(outcome.Err)),
			zap.Error(outcome.Err),
		)
		return models.CloudCover{LastCloudCover: models.SentinelCloudCover, FromCache: false}, nil
	}

	degraded.RecordServed()
	logger.Debug("cloud cover served",
		zap.Float64("last_cloud_cover", outcome.Value),
		zap.Bool("from_cache", false),
		zap.Duration("duration", time.Since(start)),
	)
	return models.CloudCover{LastCloudCover: outcome.Value, FromCache: false}, nil
}

// Refresh computes the value and writes it to the cache without reading first.
// Used by the cache warmer.
func (s *CloudCoverService) Refresh(ctx context.Context) (float64, error) {
	outcome, setErr := s.computeAndStore(ctx, loggerFromContext(ctx, s.logger))
	if !outcome.OK() {
		return models.SentinelCloudCover, outcome.Err
	}
	if setErr != nil {
		return outcome.Value, fmt.Errorf("%w: %v", ErrCacheUnavailable, setErr)
	}
	return outcome.Value, nil
}

func (s *CloudCoverService) computeMiss(ctx context.Context, logger *zap.Logger) models.Outcome {
	if s.group == nil {
		return s.computeForLookup(ctx, logger)
	}

	// The shared call must not fail for every waiter when the leader's request goes away.
	ch := s.group.DoChan(s.key, func() (interface{}, error) {
		return s.computeForLookup(context.WithoutCancel(ctx), logger), nil
	})
	select {
	case <-ctx.Done():
		return models.Failed(ctx.Err())
	case res := <-ch:
		if res.Shared {
			observability.MissCoalescedTotal.Inc()
		}
		return res.Val.(models.Outcome)
	}
}

// computeForLookup computes and caches the value. A value that could not be cached is
// not served: the outcome fails and the caller serves the sentinel.
func (s *CloudCoverService) computeForLookup(ctx context.Context, logger *zap.Logger) models.Outcome {
	outcome, setErr := s.computeAndStore(ctx, logger)
	if setErr != nil {
		return models.Failed(fmt.Errorf("%w: write: %v", ErrCacheUnavailable, setErr))
	}
	return outcome
}

// computeAndStore asks the provider for the value and caches it on success. A cache write
// failure is logged and returned alongside the successful outcome.
func (s *CloudCoverService) computeAndStore(ctx context.Context, logger *zap.Logger) (models.Outcome, error) {
	outcome := s.provider.LatestCloudCover(ctx)
	if !outcome.OK() {
		return outcome, nil
	}

	setStart := time.Now()
	err := s.cache.Set(ctx, s.key, formatValue(outcome.Value), s.ttl)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache write failed", zap.String("key", s.key), zap.Error(err))
		return outcome, err
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	return outcome, nil
}

func (s *CloudCoverService) get(ctx context.Context) (string, bool, error) {
	getStart := time.Now()
	raw, ok, err := s.cache.Get(ctx, s.key)
	d := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(d)
		return "", false, err
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(d)
	return raw, ok, nil
}

// failureCategory labels why a lookup served the sentinel.
func failureCategory(err error) string {
	if errors.Is(err, ErrCacheUnavailable) {
		return "cache_write"
	}
	return string(provider.CategorizeError(err))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// parseCachedValue accepts only finite decimal numbers.
func parseCachedValue(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", raw)
	}
	return v, nil
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, cache.ErrNotConnected) {
		return "connection"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "closed") {
		return "connection"
	}
	return "unknown"
}
