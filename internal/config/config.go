// ============================================================================
// batchkeeper configuration
// ============================================================================
//
// Package: internal/config
//
// Load order:
//   1. Default()                  built-in values
//   2. YAML file (optional)       only keys present in the file override
//   3. environment                BATCHKEEPER_* plus OPENAI_API_KEY, LOG_LEVEL
//   4. Validate()
//
// Secrets (API keys, passwords) are never read from YAML.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/batchkeeper/internal/orchestrator"
	"github.com/ChuLiYu/batchkeeper/internal/provider/openai"
	"github.com/ChuLiYu/batchkeeper/pkg/circuitbreaker"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Provider kinds.
const (
	ProviderOpenAI = "openai"
	ProviderFake   = "fake"
)

// Config is the complete daemon configuration.
type Config struct {
	Log          LogConfig           `yaml:"log" envPrefix:"LOG_"`
	Store        StoreConfig         `yaml:"store" envPrefix:"STORE_"`
	Provider     ProviderConfig      `yaml:"provider" envPrefix:"PROVIDER_"`
	Paths        PathsConfig         `yaml:"paths" envPrefix:"PATHS_"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Defaults     types.SubmitConfig  `yaml:"defaults"`
	Server       ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Admin        AdminConfig         `yaml:"admin" envPrefix:"ADMIN_"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text or json
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`

	// file
	Dir            string `yaml:"dir" env:"DIR"`
	SyncOnAppend   bool   `yaml:"sync_on_append" env:"SYNC_ON_APPEND"`
	ArchiveRotated bool   `yaml:"archive_rotated" env:"ARCHIVE_ROTATED"`

	// sqlite
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	// postgres
	PostgresDSN string `yaml:"-" env:"POSTGRES_DSN"`

	// redis
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"-" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// ProviderConfig selects the provider and the gateway decorators.
type ProviderConfig struct {
	Kind    string        `yaml:"kind" env:"KIND"`
	OpenAI  openai.Config `yaml:"openai" envPrefix:"OPENAI_"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`

	Breaker circuitbreaker.Config `yaml:"breaker"`
	Tracing bool                  `yaml:"tracing" env:"TRACING"`
}

// PathsConfig holds the local directories for staged input and delivered
// output.
type PathsConfig struct {
	Staging string `yaml:"staging" env:"STAGING"`
	Output  string `yaml:"output" env:"OUTPUT"`
}

// ServerConfig is the gRPC listener.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// AdminConfig is the HTTP admin listener (health, metrics, job views).
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Driver:       DriverFile,
			Dir:          "data/store",
			SyncOnAppend: true,
			SQLitePath:   "data/batchkeeper.db",
			RedisAddr:    "localhost:6379",
			RedisPrefix:  "batchkeeper:",
		},
		Provider: ProviderConfig{
			Kind:      ProviderOpenAI,
			Timeout:   30 * time.Second,
			RateLimit: 5,
			RateBurst: 10,
			Breaker:   circuitbreaker.Config{Threshold: 5, Cooldown: 30 * time.Second},
		},
		Paths:        PathsConfig{Staging: "data/staging", Output: "data/output"},
		Orchestrator: orchestrator.DefaultConfig(),
		Defaults:     orchestrator.DefaultSubmitConfig(),
		Server:       ServerConfig{Addr: ":50051"},
		Admin:        AdminConfig{Enabled: true, Addr: ":9090"},
	}
}

// secrets are read from their conventional, unprefixed variables.
type secrets struct {
	OpenAIKey string `env:"OPENAI_API_KEY"`
	LogLevel  string `env:"LOG_LEVEL"`
}

// Load reads path (skipped when empty) over the defaults and applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Orchestrator.Defaults = cfg.Defaults
	return &cfg, nil
}

// ApplyEnv overrides cfg from the process environment.
func ApplyEnv(cfg *Config) error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if s.OpenAIKey != "" {
		cfg.Provider.OpenAI.APIKey = s.OpenAIKey
	}
	if s.LogLevel != "" {
		cfg.Log.Level = s.LogLevel
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "BATCHKEEPER_"}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory, DriverFile, DriverSQLite, DriverPostgres, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Driver == DriverPostgres && c.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store: postgres driver needs BATCHKEEPER_STORE_POSTGRES_DSN"))
	}

	switch c.Provider.Kind {
	case ProviderOpenAI:
		if c.Provider.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("provider: openai needs OPENAI_API_KEY"))
		}
	case ProviderFake:
	default:
		errs = append(errs, fmt.Errorf("provider.kind: unknown provider %q", c.Provider.Kind))
	}

	if t := c.Orchestrator.PartialFailureTolerance; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.partial_failure_tolerance: %v is not within [0, 1]", t))
	}
	if c.Paths.Staging == "" || c.Paths.Output == "" {
		errs = append(errs, errors.New("paths: staging and output directories are required"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
