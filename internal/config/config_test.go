package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Addr:            ":3003",
		StoreBackend:    "memory",
		TokenSecret:     "secret",
		MaxConnections:  100,
		ConnRateGlobal:  100,
		ConnRatePerIP:   5,
		ShutdownTimeout: 90 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"unknown store", func(c *Config) { c.StoreBackend = "redis" }},
		{"nats without url", func(c *Config) { c.StoreBackend = "nats"; c.NATSURL = "" }},
		{"missing secret", func(c *Config) { c.TokenSecret = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero global rate", func(c *Config) { c.ConnRateGlobal = 0 }},
		{"zero per-ip rate", func(c *Config) { c.ConnRatePerIP = 0 }},
		{"negative janitor interval", func(c *Config) { c.JanitorInterval = -time.Second }},
		{"tiny shutdown timeout", func(c *Config) { c.ShutdownTimeout = time.Millisecond }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mod(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
