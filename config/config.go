// Package config defines the immutable process configuration. The config is
// loaded once at startup from an optional JSON file plus environment
// overrides; nothing mutates it afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c360/ratebridge/errors"
)

// Config represents the complete application configuration
type Config struct {
	Bus      BusConfig      `json:"bus"`
	Retry    RetryConfig    `json:"retry"`
	Pool     PoolConfig     `json:"pool"`
	Cache    CacheConfig    `json:"cache"`
	Dedup    DedupConfig    `json:"dedup"`
	Edge     EdgeConfig     `json:"edge"`
	Upstream UpstreamConfig `json:"upstream"`
	Storage  StorageConfig  `json:"storage"`
}

// BusConfig defines the bus connection and producer settings
type BusConfig struct {
	Brokers           []string `json:"brokers"`
	GroupID           string   `json:"group_id"`
	TransactionalID   string   `json:"transactional_id_prefix"`
	EnableIdempotence bool     `json:"enable_idempotence"`
	Stream            string   `json:"stream"`
}

// RetryConfig defines the upstream retry policy
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts"`
	BackoffMs   int     `json:"backoff_ms"`
	Multiplier  float64 `json:"multiplier"`
	CapMs       int     `json:"cap_ms"`
}

// PoolConfig defines the worker pool bounds
type PoolConfig struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Queue   int `json:"queue"`
	IdleSec int `json:"idle_sec"`
}

// CacheConfig defines the freshness window
type CacheConfig struct {
	FreshnessSec int `json:"freshness_sec"`
}

// DedupConfig defines the dedup ledger retention
type DedupConfig struct {
	TTLDays       int `json:"ttl_days"`
	HardPurgeDays int `json:"hard_purge_days"`
}

// EdgeConfig defines the HTTP edge settings
type EdgeConfig struct {
	Addr              string `json:"addr"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

// UpstreamConfig defines the exchange-rate API settings
type UpstreamConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// StorageConfig defines the durable store location
type StorageConfig struct {
	Path string `json:"path"`
}

// Default returns the configuration defaults matching the deployment
// contract: 5/20 pool with a 500-deep queue, 1-hour freshness window,
// 10/15-day dedup retention, 10-second edge deadline.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Brokers:           []string{"nats://127.0.0.1:4222"},
			GroupID:           "ratebridge-edge",
			TransactionalID:   "ratebridge-tx",
			EnableIdempotence: true,
			Stream:            "RATEBRIDGE",
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BackoffMs:   2000,
			Multiplier:  2.0,
			CapMs:       5000,
		},
		Pool: PoolConfig{
			Min:     5,
			Max:     20,
			Queue:   500,
			IdleSec: 60,
		},
		Cache: CacheConfig{
			FreshnessSec: 3600,
		},
		Dedup: DedupConfig{
			TTLDays:       10,
			HardPurgeDays: 15,
		},
		Edge: EdgeConfig{
			Addr:              ":8080",
			RequestTimeoutSec: 10,
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.exchangeratesapi.io/v1/latest",
		},
		Storage: StorageConfig{
			Path: "ratebridge.db",
		},
	}
}

// Load reads configuration from an optional JSON file, applies environment
// overrides, validates and returns the result. An empty path loads defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays RATEBRIDGE_* environment variables onto the config
func applyEnv(cfg *Config) {
	if v := os.Getenv("RATEBRIDGE_BUS_BROKERS"); v != "" {
		cfg.Bus.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RATEBRIDGE_BUS_GROUP_ID"); v != "" {
		cfg.Bus.GroupID = v
	}
	if v := os.Getenv("RATEBRIDGE_UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("RATEBRIDGE_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("RATEBRIDGE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("RATEBRIDGE_EDGE_ADDR"); v != "" {
		cfg.Edge.Addr = v
	}
	if v := os.Getenv("RATEBRIDGE_EDGE_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Edge.RequestTimeoutSec = n
		}
	}
}

// Validate checks the configuration for internal consistency
func (c *Config) Validate() error {
	var problems []string

	if len(c.Bus.Brokers) == 0 {
		problems = append(problems, "bus.brokers must not be empty")
	}
	if c.Bus.GroupID == "" {
		problems = append(problems, "bus.group_id must not be empty")
	}
	if c.Bus.Stream == "" {
		problems = append(problems, "bus.stream must not be empty")
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be positive")
	}
	if c.Retry.BackoffMs <= 0 {
		problems = append(problems, "retry.backoff_ms must be positive")
	}
	if c.Retry.Multiplier < 1.0 {
		problems = append(problems, "retry.multiplier must be >= 1.0")
	}
	if c.Retry.CapMs < c.Retry.BackoffMs {
		problems = append(problems, "retry.cap_ms must be >= retry.backoff_ms")
	}
	if c.Pool.Min <= 0 || c.Pool.Max < c.Pool.Min {
		problems = append(problems, "pool.min must be positive and <= pool.max")
	}
	if c.Pool.Queue <= 0 {
		problems = append(problems, "pool.queue must be positive")
	}
	if c.Pool.IdleSec <= 0 {
		problems = append(problems, "pool.idle_sec must be positive")
	}
	if c.Cache.FreshnessSec <= 0 {
		problems = append(problems, "cache.freshness_sec must be positive")
	}
	if c.Dedup.TTLDays <= 0 {
		problems = append(problems, "dedup.ttl_days must be positive")
	}
	if c.Dedup.HardPurgeDays < c.Dedup.TTLDays {
		problems = append(problems, "dedup.hard_purge_days must be >= dedup.ttl_days")
	}
	if c.Edge.RequestTimeoutSec <= 0 {
		problems = append(problems, "edge.request_timeout_sec must be positive")
	}
	if c.Upstream.BaseURL == "" {
		problems = append(problems, "upstream.base_url must not be empty")
	}
	if c.Storage.Path == "" {
		problems = append(problems, "storage.path must not be empty")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%s: %w", strings.Join(problems, "; "), errors.ErrInvalidConfig),
			"Config", "Validate", "consistency check")
	}
	return nil
}
