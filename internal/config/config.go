// Package config loads server configuration from the environment, with an
// optional .env file for development convenience.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr        string `env:"BOOPD_ADDR" envDefault:":3003"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Store backend: "memory" for single-process dev, "nats" for production
	StoreBackend string `env:"BOOPD_STORE" envDefault:"memory"`
	NATSURL      string `env:"BOOPD_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSBucket   string `env:"BOOPD_NATS_BUCKET" envDefault:"boop"`

	// Credentials
	TokenSecret string `env:"BOOPD_TOKEN_SECRET,required"`
	TokenIssuer string `env:"BOOPD_TOKEN_ISSUER" envDefault:"boopd"`
	TokenPrefix string `env:"BOOPD_TOKEN_PREFIX" envDefault:"tokens"`
	StoreUserID string `env:"BOOPD_STORE_UID" envDefault:"boopd"`

	// Capacity
	MaxConnections int `env:"BOOPD_MAX_CONNECTIONS" envDefault:"5000"`

	// Connection rate limiting (upgrades per second)
	ConnRateGlobal int `env:"BOOPD_CONN_RATE_GLOBAL" envDefault:"100"`
	ConnRatePerIP  int `env:"BOOPD_CONN_RATE_PER_IP" envDefault:"5"`

	// Janitor; zero interval disables the in-process sweeper
	JanitorInterval time.Duration `env:"BOOPD_JANITOR_INTERVAL" envDefault:"0"`

	// Graceful shutdown budget for draining live sessions
	ShutdownTimeout time.Duration `env:"BOOPD_SHUTDOWN_TIMEOUT" envDefault:"90s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func Load(logger *zerolog.Logger) (*Config, error) {
	// The .env file is a development convenience; production deployments set
	// environment variables directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BOOPD_ADDR is required")
	}

	if c.StoreBackend != "memory" && c.StoreBackend != "nats" {
		return fmt.Errorf("BOOPD_STORE must be one of: memory, nats (got: %s)", c.StoreBackend)
	}
	if c.StoreBackend == "nats" && c.NATSURL == "" {
		return fmt.Errorf("BOOPD_NATS_URL is required when BOOPD_STORE=nats")
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("BOOPD_TOKEN_SECRET is required")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("BOOPD_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ConnRateGlobal < 1 {
		return fmt.Errorf("BOOPD_CONN_RATE_GLOBAL must be > 0, got %d", c.ConnRateGlobal)
	}
	if c.ConnRatePerIP < 1 {
		return fmt.Errorf("BOOPD_CONN_RATE_PER_IP must be > 0, got %d", c.ConnRatePerIP)
	}
	if c.JanitorInterval < 0 {
		return fmt.Errorf("BOOPD_JANITOR_INTERVAL must be >= 0, got %s", c.JanitorInterval)
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("BOOPD_SHUTDOWN_TIMEOUT must be >= 1s, got %s", c.ShutdownTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("store", c.StoreBackend).
		Str("nats_url", c.NATSURL).
		Str("nats_bucket", c.NATSBucket).
		Str("token_issuer", c.TokenIssuer).
		Int("max_connections", c.MaxConnections).
		Int("conn_rate_global", c.ConnRateGlobal).
		Int("conn_rate_per_ip", c.ConnRatePerIP).
		Dur("janitor_interval", c.JanitorInterval).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
