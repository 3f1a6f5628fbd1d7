// Package janitor sweeps the hourly ledger for entries their sessions never
// cleaned up: stale entries past their grace period, malformed values, and
// client subtrees that are not objects at all.
package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/ledger"
	"github.com/boopnet/boopd/internal/limits"
	"github.com/boopnet/boopd/internal/monitoring"
	"github.com/boopnet/boopd/internal/store"
)

// removeConcurrency bounds the parallel removals of one sweep.
const removeConcurrency = 8

type Config struct {
	Connector store.Connector
	Tokens    *auth.Source
	UserID    string
	Logger    zerolog.Logger

	// Now returns epoch milliseconds; tests may pin it.
	Now func() int64
}

type Janitor struct {
	cfg    Config
	logger zerolog.Logger
	now    func() int64
}

func New(cfg Config) *Janitor {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Janitor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "janitor").Logger(),
		now:    now,
	}
}

// Run sweeps on a fixed cadence until the context is cancelled. Sweep errors
// are logged and the next tick retries.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// Sweep walks the whole ledger tree once and removes everything stale or
// malformed. Individual removal failures are logged and left for the next
// sweep; only failing to read the tree fails the sweep.
func (j *Janitor) Sweep(ctx context.Context) error {
	token, err := j.cfg.Tokens.Token(ctx, j.cfg.UserID)
	if err != nil {
		monitoring.JanitorSweeps.WithLabelValues("error").Inc()
		return fmt.Errorf("janitor: credential: %w", err)
	}
	st, err := j.cfg.Connector.Signin(ctx, token)
	if err != nil {
		monitoring.JanitorSweeps.WithLabelValues("error").Inc()
		return fmt.Errorf("janitor: signin: %w", err)
	}
	defer func() {
		if err := st.Close(ctx); err != nil {
			j.logger.Warn().Err(err).Msg("Store handle close failed")
		}
	}()

	victims, err := j.collect(ctx, st)
	if err != nil {
		monitoring.JanitorSweeps.WithLabelValues("error").Inc()
		return err
	}
	j.remove(ctx, st, victims)
	monitoring.JanitorSweeps.WithLabelValues("ok").Inc()
	j.logger.Info().Int("removed", len(victims)).Msg("Sweep complete")
	return nil
}

// collect reads the ledger tree and returns the paths to remove. A root that
// is not an object is reset in place instead.
func (j *Janitor) collect(ctx context.Context, st store.Store) ([]string, error) {
	raw, err := st.Get(ctx, store.BPHRoot)
	if err != nil {
		return nil, fmt.Errorf("janitor: ledger read: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	if !isJSONObject(raw) {
		j.logger.Warn().Msg("Ledger root is not an object, resetting")
		if err := st.Set(ctx, store.BPHRoot, map[string]any{}); err != nil {
			return nil, fmt.Errorf("janitor: ledger reset: %w", err)
		}
		return nil, nil
	}

	var clients map[string]json.RawMessage
	if err := json.Unmarshal(raw, &clients); err != nil {
		return nil, fmt.Errorf("janitor: ledger decode: %w", err)
	}

	now := j.now()
	var victims []string
	for clientID, subtree := range clients {
		if !isJSONObject(subtree) {
			j.logger.Warn().Str("client_id", clientID).Msg("Malformed client subtree")
			victims = append(victims, store.BPHPath(clientID))
			continue
		}
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(subtree, &entries); err != nil {
			victims = append(victims, store.BPHPath(clientID))
			continue
		}
		for key, rawEntry := range entries {
			entry, ok := ledger.DecodeEntry(rawEntry)
			switch {
			case !ok:
				j.logger.Warn().Str("client_id", clientID).Str("key", key).Msg("Malformed ledger entry")
				victims = append(victims, store.EntryPath(clientID, key))
			case entry.ValidUntil+limits.BPHWindowMs < now:
				victims = append(victims, store.EntryPath(clientID, key))
			}
		}
	}
	return victims, nil
}

func (j *Janitor) remove(ctx context.Context, st store.Store, paths []string) {
	sem := make(chan struct{}, removeConcurrency)
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := st.Remove(ctx, path); err != nil {
				monitoring.StoreErrors.WithLabelValues("remove").Inc()
				j.logger.Warn().Err(err).Str("path", path).Msg("Removal failed")
				return
			}
			monitoring.JanitorRemovals.Inc()
		}(path)
	}
	wg.Wait()
}

func isJSONObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c == '{'
	}
	return false
}
