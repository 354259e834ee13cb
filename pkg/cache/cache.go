// Package cache provides a namespaced read-through cache over Redis.
// Values are stored as JSON, gzipped past a size threshold.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is not in the cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encoded values under namespaced keys.
type Cache interface {
	// Get decodes the cached value into dest, or returns ErrCacheMiss.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value. A zero TTL uses the configured default.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Invalidate removes all keys matching a glob pattern.
	Invalidate(ctx context.Context, pattern string) error

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Options configures a cache instance.
type Options struct {
	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration

	// Namespace prefixes every key, so unrelated caches can share one
	// Redis database.
	Namespace string

	// CompressionThreshold is the minimum encoded size in bytes before
	// values are gzipped. Zero disables compression.
	CompressionThreshold int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		DefaultTTL:           5 * time.Minute,
		CompressionThreshold: 1024,
	}
}
