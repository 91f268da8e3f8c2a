package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotConnected is returned by Open when the backend could not be reached at startup.
var ErrNotConnected = errors.New("cache not connected")

// Store is a string key-value cache with per-entry TTL.
// Get returns ("", false, nil) on a miss and a non-nil error only for transport or server failures.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Backend is a Store whose connection is owned by the process.
type Backend interface {
	Store
	Ping(ctx context.Context) error
	Close() error
}

// InMemoryCache implements Backend with a map and lazy TTL expiry. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get returns the value for key if present and not expired. Expired entries are removed.
func (c *InMemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key. A ttl <= 0 never expires.
func (c *InMemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.data[key] = cacheEntry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (c *InMemoryCache) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close drops all entries.
func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	c.data = make(map[string]cacheEntry)
	c.mu.Unlock()
	return nil
}
