// One-shot ledger sweep, intended for cron or a Kubernetes CronJob. The
// server can run the same sweeper in-process via BOOPD_JANITOR_INTERVAL.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/config"
	"github.com/boopnet/boopd/internal/janitor"
	"github.com/boopnet/boopd/internal/monitoring"
	"github.com/boopnet/boopd/internal/store"
)

func main() {
	var (
		timeout = flag.Duration("timeout", 2*time.Minute, "sweep deadline")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	if cfg.StoreBackend != "nats" {
		logger.Fatal().Str("store", cfg.StoreBackend).Msg("One-shot sweep needs a durable store backend")
	}
	connector := store.NewNATSConnector(store.NATSConfig{
		URL:    cfg.NATSURL,
		Bucket: cfg.NATSBucket,
		Logger: logger,
	})
	tokens := auth.NewSource(
		auth.NewJWTMinter(cfg.TokenSecret, cfg.TokenIssuer),
		nil,
		cfg.TokenPrefix,
		logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	j := janitor.New(janitor.Config{
		Connector: connector,
		Tokens:    tokens,
		UserID:    cfg.StoreUserID,
		Logger:    logger,
	})
	if err := j.Sweep(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Sweep failed")
	}
}
