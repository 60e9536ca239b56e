// Package config loads the market daemon and CLI configuration from a JSON
// file with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"nostr-market/internal/cache"
	"nostr-market/internal/relay"
)

// Duration is a time.Duration written as "5s" in JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the full runtime configuration
type Config struct {
	Relays         []string `json:"relays"`
	PublishTimeout Duration `json:"publishTimeout"`
	BackoffBase    Duration `json:"backoffBase"`
	BackoffMax     Duration `json:"backoffMax"`
	BackoffJitter  float64  `json:"backoffJitter"`
	// StableAfter is how long a connection must last before its retry count resets
	StableAfter       Duration `json:"stableAfter"`
	DedupSize         int      `json:"dedupSize"`
	DeliveryBuffer    int      `json:"deliveryBuffer"`
	ReputationTimeout Duration `json:"reputationTimeout"`

	StoreDriver string `json:"storeDriver"`
	StorePath   string `json:"storePath"`
	RedisURL    string `json:"redisUrl"`
	StorePrefix string `json:"storePrefix"`

	KafkaBrokers     []string `json:"kafkaBrokers"`
	KafkaTopicTrades string   `json:"kafkaTopicTrades"`

	SyncMaxAttempts int      `json:"syncMaxAttempts"`
	CacheVersion    string   `json:"cacheVersion"`
	APIPatterns     []string `json:"apiPatterns"`
	PrecacheURLs    []string `json:"precacheUrls"`
	OfflineDocument string   `json:"offlineDocument"`

	Port        string `json:"port"`
	UpstreamURL string `json:"upstreamUrl"`
}

var (
	current     *Config
	currentMu   sync.RWMutex
	currentOnce sync.Once
)

// Get returns the process configuration, loading it on first use (thread-safe)
func Get() *Config {
	currentOnce.Do(func() {
		currentMu.Lock()
		defer currentMu.Unlock()
		if current == nil {
			current = loadOrDefault()
		}
	})

	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

// Reload re-reads the configuration file and environment
func Reload() error {
	cfg, err := Load(Path())
	if err != nil {
		return err
	}
	currentMu.Lock()
	defer currentMu.Unlock()
	current = cfg
	slog.Info("configuration reloaded", "relays", len(cfg.Relays))
	return nil
}

// Path returns the configuration file location
func Path() string {
	return envOrDefault("MARKET_CONFIG", "config/market.json")
}

func loadOrDefault() *Config {
	cfg, err := Load(Path())
	if err != nil {
		slog.Error("invalid configuration, using defaults", "error", err)
		return Default()
	}
	return cfg
}

// Load reads path (a missing file means defaults) and applies environment
// overrides. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
		}
		slog.Info("loaded configuration", "path", path, "relays", len(cfg.Relays))
	case os.IsNotExist(err):
		slog.Debug("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("no relays configured")
	}
	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
			"wss://nostr.wine",
			"wss://relay.snort.social",
		},
		PublishTimeout:    Duration(5 * time.Second),
		BackoffBase:       Duration(time.Second),
		BackoffMax:        Duration(2 * time.Minute),
		BackoffJitter:     0.3,
		StableAfter:       Duration(30 * time.Second),
		DedupSize:         4096,
		DeliveryBuffer:    256,
		ReputationTimeout: Duration(10 * time.Second),

		StoreDriver: "leveldb",
		StorePath:   "data/market.db",
		StorePrefix: "market:",

		KafkaTopicTrades: "market.trades",

		SyncMaxAttempts: 5,
		CacheVersion:    "sovereign-market-v1",
		PrecacheURLs:    []string{},

		Port: "8080",
	}
}

func (c *Config) applyEnv() error {
	c.Relays = envCSVOrDefault("MARKET_RELAYS", c.Relays)
	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.StoreDriver = envOrDefault("MARKET_STORE", c.StoreDriver)
	c.StorePath = envOrDefault("MARKET_STORE_PATH", c.StorePath)
	c.KafkaBrokers = envCSVOrDefault("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopicTrades = envOrDefault("KAFKA_TOPIC_TRADES", c.KafkaTopicTrades)
	c.CacheVersion = envOrDefault("MARKET_CACHE_VERSION", c.CacheVersion)
	c.Port = envOrDefault("PORT", c.Port)
	c.UpstreamURL = envOrDefault("UPSTREAM_URL", c.UpstreamURL)

	attempts, err := envIntOrDefault("MARKET_SYNC_MAX_ATTEMPTS", c.SyncMaxAttempts)
	if err != nil {
		return err
	}
	c.SyncMaxAttempts = attempts
	return nil
}

// CacheConfig returns the storage settings
func (c *Config) CacheConfig() cache.CacheConfig {
	cc := cache.DefaultCacheConfig()
	cc.Driver = c.StoreDriver
	cc.Path = c.StorePath
	cc.RedisURL = c.RedisURL
	if c.StorePrefix != "" {
		cc.Prefix = c.StorePrefix
	}
	return cc
}

// PoolOptions returns the relay pool settings
func (c *Config) PoolOptions() relay.Options {
	opts := relay.DefaultOptions()
	if c.PublishTimeout > 0 {
		opts.PublishTimeout = time.Duration(c.PublishTimeout)
	}
	if c.DedupSize > 0 {
		opts.DedupSize = c.DedupSize
	}
	if c.DeliveryBuffer > 0 {
		opts.DeliveryBuffer = c.DeliveryBuffer
	}
	if c.BackoffBase > 0 {
		opts.Conn.Backoff.Base = time.Duration(c.BackoffBase)
	}
	if c.BackoffMax > 0 {
		opts.Conn.Backoff.Max = time.Duration(c.BackoffMax)
	}
	if c.BackoffJitter > 0 {
		opts.Conn.Backoff.Jitter = c.BackoffJitter
	}
	if c.StableAfter > 0 {
		opts.Conn.StableAfter = time.Duration(c.StableAfter)
	}
	return opts
}

// envOrDefault returns the value of an environment variable or a default.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) (int, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}
	return def, nil
}

func envCSVOrDefault(key string, def []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	var parts []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
