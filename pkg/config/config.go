// Package config loads engine configuration from environment variables
// and fails fast on anything inconsistent. A bad threshold ordering or
// decay factor must stop the process before the first event is read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full engine configuration.
type Config struct {
	// DatabaseURL selects the store backend: a postgres:// DSN or a
	// SQLite file path.
	DatabaseURL string

	// DedupWindow bounds how long after its last observation an
	// incident keeps absorbing events for the same subject.
	DedupWindow time.Duration

	// ProbableThreshold and ConfirmedThreshold are confidence levels in
	// whole points. Confirmed must be strictly above probable.
	ProbableThreshold  int64
	ConfirmedThreshold int64

	// DecayFactor scales contradicting evidence, in hundredths. 100
	// means a contradiction offsets a corroboration of equal weight in
	// full.
	DecayFactor int64

	// RuleTablePath points to a YAML weight table. Empty selects the
	// built-in default table.
	RuleTablePath string

	// RuleTableVersionPin, when set, requires the loaded table to carry
	// exactly this version. Replay in identity mode sets it.
	RuleTableVersionPin string

	// Shards is the worker pool width. Events for one subject key
	// always land on the same shard.
	Shards int

	// BatchLimit caps how many raw events one poll drains.
	BatchLimit int

	// PollRate caps store polls per second when the engine runs in
	// follow mode.
	PollRate float64

	// LedgerPath is the JSONL audit ledger file.
	LedgerPath string

	// LedgerKeyID names the signing key in emitted audit entries.
	LedgerKeyID string

	// RedisAddr enables Redis-backed replay checkpoints when set;
	// empty keeps checkpoints in memory.
	RedisAddr string

	LogLevel     string
	OTLPEndpoint string
}

// Load reads configuration from the environment, applying defaults, and
// validates it.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:         envDefault("CROWSNEST_DATABASE_URL", "crowsnest.db"),
		RuleTablePath:       os.Getenv("CROWSNEST_RULE_TABLE"),
		RuleTableVersionPin: os.Getenv("CROWSNEST_RULE_TABLE_VERSION"),
		LedgerPath:          envDefault("CROWSNEST_LEDGER_PATH", "crowsnest-audit.jsonl"),
		LedgerKeyID:         envDefault("CROWSNEST_LEDGER_KEY_ID", "crowsnest-default"),
		RedisAddr:           os.Getenv("CROWSNEST_REDIS_ADDR"),
		LogLevel:            envDefault("CROWSNEST_LOG_LEVEL", "INFO"),
		OTLPEndpoint:        os.Getenv("CROWSNEST_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.DedupWindow, err = envDuration("CROWSNEST_DEDUP_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ProbableThreshold, err = envInt("CROWSNEST_THRESHOLD_PROBABLE", 30); err != nil {
		return nil, err
	}
	if cfg.ConfirmedThreshold, err = envInt("CROWSNEST_THRESHOLD_CONFIRMED", 70); err != nil {
		return nil, err
	}
	if cfg.DecayFactor, err = envInt("CROWSNEST_DECAY_FACTOR", 100); err != nil {
		return nil, err
	}
	shards, err := envInt("CROWSNEST_SHARDS", 4)
	if err != nil {
		return nil, err
	}
	cfg.Shards = int(shards)
	batch, err := envInt("CROWSNEST_BATCH_LIMIT", 1000)
	if err != nil {
		return nil, err
	}
	cfg.BatchLimit = int(batch)
	if cfg.PollRate, err = envFloat("CROWSNEST_POLL_RATE", 2.0); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database url is required")
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("config: dedup window must be positive, got %s", c.DedupWindow)
	}
	if c.ProbableThreshold <= 0 || c.ProbableThreshold > 100 {
		return fmt.Errorf("config: probable threshold must be in (0,100], got %d", c.ProbableThreshold)
	}
	if c.ConfirmedThreshold <= c.ProbableThreshold || c.ConfirmedThreshold > 100 {
		return fmt.Errorf("config: confirmed threshold must be in (probable,100], got %d", c.ConfirmedThreshold)
	}
	if c.DecayFactor < 0 || c.DecayFactor > 200 {
		return fmt.Errorf("config: decay factor must be in [0,200] hundredths, got %d", c.DecayFactor)
	}
	if c.Shards < 1 || c.Shards > 256 {
		return fmt.Errorf("config: shard count must be in [1,256], got %d", c.Shards)
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("config: batch limit must be positive, got %d", c.BatchLimit)
	}
	if c.PollRate <= 0 {
		return fmt.Errorf("config: poll rate must be positive, got %g", c.PollRate)
	}
	return nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
