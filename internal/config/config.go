// Package config loads engine configuration from a YAML file and
// NIGHTPRESS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// NIGHTPRESS_SYNC_BATCH_SIZE maps to sync.batch_size.
const envPrefix = "NIGHTPRESS_"

// Config is the root configuration for the engine.
type Config struct {
	DataDir     string            `koanf:"data_dir"`
	Log         LogConfig         `koanf:"log"`
	Timer       TimerConfig       `koanf:"timer"`
	Sync        SyncConfig        `koanf:"sync"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Store       StoreConfig       `koanf:"store"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Remote      RemoteConfig      `koanf:"remote"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `koanf:"level"`
}

// TimerConfig controls the timer orchestrator.
type TimerConfig struct {
	MaxTimers        int           `koanf:"max_timers"`
	TickInterval     time.Duration `koanf:"tick_interval"`
	RetryBaseDelay   time.Duration `koanf:"retry_base_delay"`
	MaxRetries       int           `koanf:"max_retries"`
	MaxRecoveries    int           `koanf:"max_recoveries"`
	MemoryInterval   time.Duration `koanf:"memory_interval"`
	MemoryThreshold  float64       `koanf:"memory_threshold"`
	IdleTimeout      time.Duration `koanf:"idle_timeout"`
	EvictionFraction float64       `koanf:"eviction_fraction"`
}

// SyncConfig controls the synchronizer.
type SyncConfig struct {
	// Interval is the period of the background drain that picks up
	// backoff retries and changes made while no drain was running.
	Interval       time.Duration `koanf:"interval"`
	BatchSize      int           `koanf:"batch_size"`
	MaxRetries     int           `koanf:"max_retries"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// CoordinatorConfig controls cross-instance leader election.
type CoordinatorConfig struct {
	HubAddr           string        `koanf:"hub_addr"`
	ElectionTimeout   time.Duration `koanf:"election_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// StoreConfig controls the persistence layer.
type StoreConfig struct {
	AutoSaveInterval time.Duration `koanf:"auto_save_interval"`
	Budget           int64         `koanf:"budget"`
	BudgetThreshold  float64       `koanf:"budget_threshold"`
	ContentMaxAge    time.Duration `koanf:"content_max_age"`
}

// RemoteConfig points at the blog platform's content API.
type RemoteConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Default returns the configuration defaults matching the engine's
// documented behavior.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Log:     LogConfig{Level: "info"},
		Timer: TimerConfig{
			MaxTimers:        100,
			TickInterval:     time.Second,
			RetryBaseDelay:   5 * time.Second,
			MaxRetries:       3,
			MaxRecoveries:    2,
			MemoryInterval:   60 * time.Second,
			MemoryThreshold:  0.8,
			IdleTimeout:      5 * time.Minute,
			EvictionFraction: 0.2,
		},
		Sync: SyncConfig{
			Interval:       30 * time.Second,
			BatchSize:      5,
			MaxRetries:     3,
			BaseDelay:      5 * time.Second,
			MaxDelay:       5 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			HubAddr:           "localhost:8790",
			ElectionTimeout:   10 * time.Second,
			HeartbeatInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			AutoSaveInterval: 60 * time.Second,
			Budget:           5 * 1024 * 1024,
			BudgetThreshold:  0.8,
			ContentMaxAge:    30 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "localhost:9190",
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8080",
		},
	}
}

// Load reads configuration from the given YAML file (if path is non-empty
// and the file exists) and applies environment overrides on top of the
// defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Timer.MaxTimers <= 0 {
		return fmt.Errorf("timer.max_timers must be positive, got %d", c.Timer.MaxTimers)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.BaseDelay > c.Sync.MaxDelay {
		return fmt.Errorf("sync.base_delay %v exceeds sync.max_delay %v", c.Sync.BaseDelay, c.Sync.MaxDelay)
	}
	if c.Coordinator.HeartbeatInterval >= c.Coordinator.ElectionTimeout {
		return fmt.Errorf("coordinator.heartbeat_interval %v must be below election_timeout %v",
			c.Coordinator.HeartbeatInterval, c.Coordinator.ElectionTimeout)
	}
	if c.Store.Budget <= 0 {
		return fmt.Errorf("store.budget must be positive, got %d", c.Store.Budget)
	}
	if c.Store.BudgetThreshold <= 0 || c.Store.BudgetThreshold > 1 {
		return fmt.Errorf("store.budget_threshold must be in (0, 1], got %f", c.Store.BudgetThreshold)
	}
	return nil
}
