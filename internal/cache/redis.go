package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Host        string
	Port        string // raw REDIS_PORT; must be an integer in 1..65535
	DB          int
	Password    string
	DialTimeout time.Duration
}

// RedisCache implements Backend using go-redis. GET and SETEX only.
type RedisCache struct {
	client *redis.Client
}

var _ Backend = (*RedisCache)(nil)

// NewRedisCache connects to Redis and pings it once, both bounded by opts.DialTimeout.
// An invalid address or failed ping returns an error wrapping ErrNotConnected.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("%w: redis host is empty", ErrNotConnected)
	}
	port, err := parsePort(opts.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(opts.Host, strconv.Itoa(port)),
		DB:          opts.DB,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", ErrNotConnected, client.Options().Addr, err)
	}
	return &RedisCache{client: client}, nil
}

// Get implements Store.Get.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set implements Store.Set with SETEX. A ttl <= 0 stores without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return c.client.Set(ctx, key, value, 0).Err()
	}
	return c.client.SetEx(ctx, key, value, ttl).Err()
}

// Ping checks Redis reachability. Used by health checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection pool. Call during shutdown.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("redis port %q is not an integer", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("redis port %d out of range", port)
	}
	return port, nil
}
