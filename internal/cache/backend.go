// Package cache provides the persistent key-value stores behind the identity,
// the offline response cache and the sync queue.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a backend after Close
var ErrClosed = errors.New("cache: backend closed")

// CacheBackend defines the interface for cache implementations
type CacheBackend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with the given TTL. A zero TTL never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// GetMultiple retrieves multiple values from the cache
	// Returns a map of found keys to values
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// Keys returns every live key with the given prefix in ascending order
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close closes the cache connection
	Close() error
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func expired(expiresAt time.Time, now time.Time) bool {
	return !expiresAt.IsZero() && now.After(expiresAt)
}
