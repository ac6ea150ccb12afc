package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/caarlos0/env/v11"

	"liveclass/common/config"
)

// envPrefix is prepended to every environment override, e.g.
// LIVECLASS_SERVER_HTTP_PORT or LIVECLASS_DATABASE_DSN.
const envPrefix = "LIVECLASS_"

// ConfigSourceTracker records which keys were set by environment variables.
type ConfigSourceTracker struct {
	EnvKeys map[string]bool // environment variable names that were applied
}

func newConfigSourceTracker() *ConfigSourceTracker {
	return &ConfigSourceTracker{
		EnvKeys: make(map[string]bool),
	}
}

// Config represents the server configuration
type Config struct {
	Server    ServerConfig          `toml:"server" envPrefix:"SERVER_"`
	Database  config.DatabaseConfig `toml:"database" envPrefix:"DATABASE_"`
	Logging   config.LoggingConfig  `toml:"logging" envPrefix:"LOGGING_"`
	Engine    EngineConfig          `toml:"engine" envPrefix:"ENGINE_"`
	Telemetry TelemetryConfig       `toml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	HTTPPort            int    `toml:"http_port" env:"HTTP_PORT"`
	BindAddress         string `toml:"bind_address" env:"BIND_ADDRESS"`         // 0.0.0.0 for all interfaces
	RosterPath          string `toml:"roster_path" env:"ROSTER_PATH"`           // schools, sections and device assignments
	MinClientVersion    string `toml:"min_client_version" env:"MIN_CLIENT_VERSION"` // older device apps get 426
	ShutdownTimeoutSecs int    `toml:"shutdown_timeout_secs" env:"SHUTDOWN_TIMEOUT_SECS"`
}

// EngineConfig tunes the session engine and its background workers.
type EngineConfig struct {
	RetentionGenerations int `toml:"retention_generations" env:"RETENTION_GENERATIONS"`
	RollupWindow         int `toml:"rollup_window" env:"ROLLUP_WINDOW"`
	SweepIntervalSecs    int `toml:"sweep_interval_secs" env:"SWEEP_INTERVAL_SECS"`
	StaleThresholdSecs   int `toml:"stale_threshold_secs" env:"STALE_THRESHOLD_SECS"`
	SweepConcurrency     int `toml:"sweep_concurrency" env:"SWEEP_CONCURRENCY"`
	MetricsIntervalSecs  int `toml:"metrics_interval_secs" env:"METRICS_INTERVAL_SECS"`
	MetricsRetentionDays int `toml:"metrics_retention_days" env:"METRICS_RETENTION_DAYS"`
	RetryMaxAttempts     int `toml:"retry_max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	RetryAfterSecs       int `toml:"retry_after_secs" env:"RETRY_AFTER_SECS"`
}

// TelemetryConfig controls OTLP trace export. Disabled by default.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled" env:"ENABLED"`
	Endpoint    string  `toml:"endpoint" env:"ENDPOINT"` // host:port of an OTLP/HTTP collector
	Insecure    bool    `toml:"insecure" env:"INSECURE"`
	ServiceName string  `toml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:            9180,
			BindAddress:         "0.0.0.0",
			RosterPath:          "roster.toml",
			MinClientVersion:    "1.0.0",
			ShutdownTimeoutSecs: 15,
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   "", // Empty = use platform data directory
		},
		Logging: config.LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Engine: EngineConfig{
			RetentionGenerations: 3,
			RollupWindow:         20,
			SweepIntervalSecs:    15,
			StaleThresholdSecs:   60,
			SweepConcurrency:     4,
			MetricsIntervalSecs:  30,
			MetricsRetentionDays: 7,
			RetryMaxAttempts:     3,
			RetryAfterSecs:       5,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "liveclass-server",
			SampleRatio: 1.0,
		},
	}
}

// LoadConfig loads configuration from a TOML file and applies environment
// overrides on top. A missing file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, *ConfigSourceTracker, error) {
	cfg := DefaultConfig()
	tracker := newConfigSourceTracker()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := config.LoadTOML(configPath, cfg); err != nil {
				return nil, nil, err
			}
		}
	}

	opts := env.Options{Prefix: envPrefix}
	params, err := env.GetFieldParamsWithOptions(cfg, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect environment overrides: %w", err)
	}
	for _, p := range params {
		if _, ok := os.LookupEnv(p.Key); ok {
			tracker.EnvKeys[p.Key] = true
		}
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, nil, fmt.Errorf("parse environment overrides: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))

	return cfg, tracker, nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.MinClientVersion != "" {
		if _, err := semver.NewVersion(c.Server.MinClientVersion); err != nil {
			errs = append(errs, fmt.Errorf("server.min_client_version: %w", err))
		}
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if c.Engine.RetentionGenerations <= 0 {
		errs = append(errs, errors.New("engine.retention_generations must be positive"))
	}
	if c.Engine.RollupWindow <= 0 {
		errs = append(errs, errors.New("engine.rollup_window must be positive"))
	}
	if c.Engine.StaleThresholdSecs <= 0 || c.Engine.SweepIntervalSecs <= 0 {
		errs = append(errs, errors.New("engine sweep interval and stale threshold must be positive"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// WriteDefaultConfig writes a default config.toml file
func WriteDefaultConfig(path string) error {
	return config.WriteDefaultTOML(path, DefaultConfig())
}
