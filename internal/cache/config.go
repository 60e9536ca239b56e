package cache

import (
	"fmt"
	"log/slog"
	"time"
)

// Driver names accepted by Open
const (
	DriverLevelDB = "leveldb"
	DriverRedis   = "redis"
	DriverMemory  = "memory"
)

// CacheConfig selects and configures the backend
type CacheConfig struct {
	Driver   string
	Path     string // leveldb directory
	RedisURL string
	Prefix   string // redis key prefix

	CleanupInterval time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Driver:          DriverLevelDB,
		Path:            "data/market.db",
		Prefix:          "market:",
		CleanupInterval: 5 * time.Minute,
	}
}

// Open returns the configured backend. A Redis URL takes precedence over the
// driver name. Open errors are returned as is; there is no in-memory fallback.
func Open(cfg CacheConfig) (CacheBackend, error) {
	driver := cfg.Driver
	if cfg.RedisURL != "" {
		driver = DriverRedis
	}
	switch driver {
	case DriverRedis:
		backend, err := NewRedisCache(cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		slog.Info("using redis store", "prefix", cfg.Prefix)
		return backend, nil
	case DriverLevelDB, "":
		backend, err := NewLevelDBCache(cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("using leveldb store", "path", cfg.Path)
		return backend, nil
	case DriverMemory:
		slog.Warn("using in-memory store, identity and sync queue will not survive restart")
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = time.Minute
		}
		return NewMemoryCache(interval), nil
	}
	return nil, fmt.Errorf("unknown cache driver %q", driver)
}
