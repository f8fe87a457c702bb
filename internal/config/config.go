// Package config loads the engine's process configuration from environment
// variables (with an optional YAML file underlay), following the envdecode +
// godotenv convention used across this codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the inbound HTTP/WebSocket surface (§6).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Runner Store's Postgres connection pool.
type DatabaseConfig struct {
	DSN          string        `json:"dsn" env:"DATABASE_DSN"`
	PoolSize     int           `json:"pool_size" env:"DB_POOL_SIZE"`
	MaxOverflow  int           `json:"max_overflow" env:"DB_MAX_OVERFLOW"`
	PoolRecycle  time.Duration `json:"pool_recycle" env:"DB_POOL_RECYCLE"`
	PoolTimeout  time.Duration `json:"pool_timeout" env:"DB_POOL_TIMEOUT"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// SecurityConfig controls the AES-128-CBC encryption contract (§6) used for
// cloud-connector credentials and key-registry private material, plus the
// HMAC secret the HTTP transport signs terminal tokens with.
type SecurityConfig struct {
	EncryptionKey       string `json:"encryption_key" env:"ENCRYPTION_KEY"`
	TerminalTokenSecret string `json:"terminal_token_secret" env:"TERMINAL_TOKEN_SECRET"`
}

// RunnerConfig controls lifecycle limits shared by the Allocator, Pool
// Controller, and Expiry Reaper (§5, §6).
type RunnerConfig struct {
	MaxRunnerLifetime    time.Duration `json:"max_runner_lifetime" env:"MAX_RUNNER_LIFETIME"`
	IdlePoolMinutes      time.Duration `json:"idle_pool_minutes" env:"IDLE_POOL_MINUTES"`
	PoolReconcileInterval time.Duration `json:"pool_reconcile_interval" env:"POOL_RECONCILE_INTERVAL"`
	ReaperInterval       time.Duration `json:"reaper_interval" env:"REAPER_INTERVAL"`
	ColdLaunchTimeout    time.Duration `json:"cold_launch_timeout" env:"READINESS_COLD_LAUNCH_TIMEOUT"`
	KeyTag               string        `json:"key_tag" env:"KEY_TAG"`

	// PrimaryCloudConnectorID selects the cloud_connector row the Key
	// Registry and Security-Group Manager bind their single cloud driver to
	// at startup (§4.8/§4.9 assume one active connector per deployment).
	PrimaryCloudConnectorID string `json:"primary_cloud_connector_id" env:"PRIMARY_CLOUD_CONNECTOR_ID"`
}

// MetricsConfig controls the Prometheus Pushgateway metrics-purge client (C7 step 5).
type MetricsConfig struct {
	PushgatewayURL string `json:"pushgateway_url" env:"PROMETHEUS_PUSHGATEWAY_URL"`
}

// EventsConfig controls the Event Bus's optional cross-process fan-out
// (C11). Empty RedisURL keeps the bus single-process (the default).
type EventsConfig struct {
	RedisURL string `json:"redis_url" env:"EVENTS_REDIS_URL"`
}

// Config is the top-level process configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Security SecurityConfig `json:"security"`
	Runner   RunnerConfig   `json:"runner"`
	Metrics  MetricsConfig  `json:"metrics"`
	Events   EventsConfig   `json:"events"`
}

// New returns a Config populated with the engine's defaults (§6).
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			PoolSize:    10,
			MaxOverflow: 5,
			PoolRecycle: 30 * time.Minute,
			PoolTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Runner: RunnerConfig{
			MaxRunnerLifetime:     180 * time.Minute,
			IdlePoolMinutes:       10 * time.Minute,
			PoolReconcileInterval: 10 * time.Minute,
			ReaperInterval:        10 * time.Minute,
			ColdLaunchTimeout:     10 * time.Minute,
			KeyTag:                "ashoka-testing-key",
		},
	}
}

// Load loads configuration from an optional YAML file, then applies
// environment variable overrides (envdecode), following pkg/config's layering
// convention: file provides a base, env always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate enforces the minimum viable configuration (§6): a non-empty
// encryption key shorter than 16 bytes is rejected, because only its first 16
// bytes are ever used as both the AES-128 key and the (non-standard) IV. An
// unset key passes here; cryptoutil.New rejects it when the cipher is built.
// A non-positive MaxRunnerLifetime is reset to 180 minutes.
func (c *Config) Validate() error {
	if len(c.Security.EncryptionKey) > 0 && len(c.Security.EncryptionKey) < 16 {
		return fmt.Errorf("config: ENCRYPTION_KEY must be at least 16 bytes, got %d", len(c.Security.EncryptionKey))
	}
	if c.Runner.MaxRunnerLifetime <= 0 {
		c.Runner.MaxRunnerLifetime = 180 * time.Minute
	}
	return nil
}
