package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/config"
	"github.com/boopnet/boopd/internal/janitor"
	"github.com/boopnet/boopd/internal/monitoring"
	"github.com/boopnet/boopd/internal/store"
	"github.com/boopnet/boopd/internal/transport"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	var connector store.Connector
	switch cfg.StoreBackend {
	case "nats":
		connector = store.NewNATSConnector(store.NATSConfig{
			URL:    cfg.NATSURL,
			Bucket: cfg.NATSBucket,
			Logger: logger,
		})
	default:
		logger.Warn().Msg("Using in-memory store, counts will not survive a restart")
		connector = store.NewMemory()
	}

	tokens := auth.NewSource(
		auth.NewJWTMinter(cfg.TokenSecret, cfg.TokenIssuer),
		nil,
		cfg.TokenPrefix,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := transport.NewServer(cfg, connector, tokens, logger)
	if err := server.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	go monitoring.SampleSystem(ctx, logger)

	if cfg.JanitorInterval > 0 {
		j := janitor.New(janitor.Config{
			Connector: connector,
			Tokens:    tokens,
			UserID:    cfg.StoreUserID,
			Logger:    logger,
		})
		go j.Run(ctx, cfg.JanitorInterval)
		logger.Info().Dur("interval", cfg.JanitorInterval).Msg("In-process janitor enabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down server")
	cancel()
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
