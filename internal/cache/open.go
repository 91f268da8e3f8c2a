package cache

import (
	"context"
	"fmt"
	"time"
)

// Backend names accepted by Open.
const (
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
	BackendInMemory  = "in_memory"
)

// Options selects and configures the cache backend.
type Options struct {
	Backend        string
	Redis          RedisOptions
	MemcachedAddrs string
	// ConnectTimeout bounds the startup connection and ping for network backends.
	ConnectTimeout        time.Duration
	MemcachedMaxIdleConns int
}

// Open connects to the configured backend once. Errors wrap ErrNotConnected when the
// backend is unreachable; callers treat that as permanent for the process lifetime.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case BackendRedis, "":
		ro := opts.Redis
		if ro.DialTimeout <= 0 {
			ro.DialTimeout = opts.ConnectTimeout
		}
		return NewRedisCache(ctx, ro)
	case BackendMemcached:
		return NewMemcachedCache(opts.MemcachedAddrs, opts.ConnectTimeout, opts.MemcachedMaxIdleConns)
	case BackendInMemory:
		return NewInMemoryCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
