package session

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/boopnet/boopd/internal/ledger"
	"github.com/boopnet/boopd/internal/limits"
	"github.com/boopnet/boopd/internal/monitoring"
	"github.com/boopnet/boopd/internal/protocol"
	"github.com/boopnet/boopd/internal/store"
)

// Events delivered to the actor loop. Everything that touches session state
// arrives as one of these.
type event interface{ sessionEvent() }

type frameEvent struct {
	data   []byte
	binary bool
}
type readClosedEvent struct{}
type heartbeatTimeoutEvent struct{}
type gbcTickEvent struct{}
type bphTickEvent struct{}
type stopEvent struct{}
type gbcValueEvent struct{ raw json.RawMessage }
type bphAddedEvent struct {
	key string
	raw json.RawMessage
}
type bphRemovedEvent struct{ key string }
type entryExpiredEvent struct{ key string }
type gbcSyncDoneEvent struct {
	delta int64
	err   error
}
type bphSyncDoneEvent struct {
	change int64
	err    error
}

func (frameEvent) sessionEvent()            {}
func (readClosedEvent) sessionEvent()       {}
func (heartbeatTimeoutEvent) sessionEvent() {}
func (gbcTickEvent) sessionEvent()          {}
func (bphTickEvent) sessionEvent()          {}
func (stopEvent) sessionEvent()             {}
func (gbcValueEvent) sessionEvent()         {}
func (bphAddedEvent) sessionEvent()         {}
func (bphRemovedEvent) sessionEvent()       {}
func (entryExpiredEvent) sessionEvent()     {}
func (gbcSyncDoneEvent) sessionEvent()      {}
func (bphSyncDoneEvent) sessionEvent()      {}

// handle processes one event; returning true ends the loop.
func (s *Session) handle(ev event) bool {
	switch ev := ev.(type) {
	case frameEvent:
		s.handleFrame(ev)
	case readClosedEvent:
		s.beginClose(0, "")
		return true
	case heartbeatTimeoutEvent:
		monitoring.HeartbeatTimeouts.Inc()
		s.logger.Info().Msg("Heartbeat timeout, closing session")
		s.beginClose(CloseNoHeartbeat, reasonNoHeartbeat)
	case gbcTickEvent:
		s.triggerGBCSync(false)
		if !s.closed {
			s.gbcTimer.Reset(s.cfg.GBCSyncInterval)
		}
	case bphTickEvent:
		s.syncBPH()
		if !s.closed {
			s.bphTimer.Reset(s.cfg.BPHSyncInterval)
		}
	case stopEvent:
		s.beginClose(0, reasonServerShutdown)
	case gbcValueEvent:
		s.handleGBCValue(ev.raw)
	case bphAddedEvent:
		s.handleBPHAdded(ev.key, ev.raw)
	case bphRemovedEvent:
		s.handleBPHRemoved(ev.key)
	case entryExpiredEvent:
		delete(s.expiry, ev.key)
		s.removeEntry(ev.key)
	case gbcSyncDoneEvent:
		s.handleGBCSyncDone(ev)
	case bphSyncDoneEvent:
		if ev.err != nil {
			s.mirror.Restore(ev.change)
		}
	}
	return false
}

func (s *Session) handleFrame(ev frameEvent) {
	if ev.binary {
		s.logger.Warn().Int("bytes", len(ev.data)).Msg("Ignoring binary frame")
		return
	}
	msg, err := protocol.Decode(ev.data)
	if err != nil {
		monitoring.InvalidFrames.Inc()
		s.logger.Warn().Str("frame", string(ev.data)).Msg("Malformed frame")
		s.queue(protocol.EncodeInvalid())
		return
	}

	switch msg := msg.(type) {
	case protocol.Heartbeat:
		s.hbTimer.Reset(s.cfg.HeartbeatTimeout)
		s.queue(protocol.EncodeHeartbeat())
	case protocol.Boop:
		s.handleBoop(msg.ID)
	case protocol.CooldownQuery:
		s.queue(protocol.EncodeCooldownReply(msg.ID, s.currentCooldown(s.now())))
	}
}

// currentCooldown reports the active cooldown if one is running, otherwise
// what a boop attempted right now would be told to wait.
func (s *Session) currentCooldown(now int64) int64 {
	if s.cooldownUntil != 0 && now < s.cooldownUntil {
		return s.cooldownUntil - now
	}
	return s.limiter.Cooldown(now)
}

func (s *Session) handleBoop(boopID int64) {
	now := s.now()

	if s.cooldownUntil != 0 && now < s.cooldownUntil {
		if s.cooldownFails >= limits.CooldownFailLimit {
			s.logger.Info().Int("fails", s.cooldownFails).Msg("Cooldown abuse, closing session")
			s.beginClose(CloseCooldownAbuse, reasonCooldownAbuse)
			return
		}
		s.cooldownFails++
		monitoring.BoopsRejected.WithLabelValues("cooldown").Inc()
		s.queue(protocol.EncodeBoopRejected(boopID, s.cooldownUntil-now))
		return
	}
	s.cooldownUntil = 0

	if cd := s.limiter.Cooldown(now); cd > 0 {
		s.cooldownUntil = now + cd
		window := "bpm"
		if s.mirror.Total() >= limits.BPHLimit {
			window = "bph"
		}
		monitoring.BoopsRejected.WithLabelValues(window).Inc()
		s.queue(protocol.EncodeBoopRejected(boopID, cd))
		return
	}

	s.cooldownFails = 0
	s.limiter.Admit(now)
	s.mirror.Record()
	s.gbc.Record()
	monitoring.BoopsAdmitted.Inc()
	s.triggerGBCSync(false)
	s.queue(protocol.EncodeBoopAccepted(boopID))
	s.queueCount()
}

func (s *Session) queueCount() {
	s.queue(protocol.EncodeCount(s.gbc.Display()))
}

func (s *Session) handleGBCValue(raw json.RawMessage) {
	if raw == nil {
		return
	}
	v, ok := decodeCount(raw)
	if !ok {
		s.logger.Warn().Str("value", string(raw)).Msg("Non-numeric global counter value")
		return
	}
	if s.gbc.Observe(v) {
		s.queueCount()
	}
}

// triggerGBCSync starts a coalesced atomic add when the scheduler allows.
func (s *Session) triggerGBCSync(final bool) {
	delta, ok := s.gbc.Begin(s.now(), final)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
		defer cancel()
		s.writeGBC(ctx, delta, func(err error) {
			s.post(gbcSyncDoneEvent{delta: delta, err: err})
		})
	}()
}

// writeGBC performs the atomic add. done, when set, receives the outcome.
func (s *Session) writeGBC(ctx context.Context, delta int64, done func(error)) {
	_, err := s.st.AtomicAdd(ctx, store.GBCPath, delta)
	if err != nil {
		monitoring.GBCSyncs.WithLabelValues("error").Inc()
		monitoring.StoreErrors.WithLabelValues("atomic_add").Inc()
		s.logger.Warn().Err(err).Int64("delta", delta).Msg("Global counter add failed")
	} else {
		monitoring.GBCSyncs.WithLabelValues("ok").Inc()
		monitoring.GBCSyncDelta.Observe(float64(delta))
	}
	if done != nil {
		done(err)
	}
}

func (s *Session) handleGBCSyncDone(ev gbcSyncDoneEvent) {
	if s.gbc.Complete(s.now(), ev.delta, ev.err) {
		// A full interval elapsed while the write was in flight.
		s.logger.Debug().Msg("Re-entering global counter sync")
		s.triggerGBCSync(false)
	}
}

// syncBPH appends the unsynced boops as one hourly ledger entry.
func (s *Session) syncBPH() {
	change := s.mirror.TakeUnsynced()
	if change == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
		defer cancel()
		s.appendBPH(ctx, change, func(err error) {
			s.post(bphSyncDoneEvent{change: change, err: err})
		})
	}()
}

// appendBPH pushes one ledger entry. done, when set, receives the outcome.
func (s *Session) appendBPH(ctx context.Context, change int64, done func(error)) {
	entry := ledger.Entry{ValidUntil: s.now() + limits.BPHWindowMs, Change: change}
	_, err := s.st.Push(ctx, store.BPHPath(s.cfg.ClientID), entry.Value())
	if err != nil {
		monitoring.BPHAppends.WithLabelValues("error").Inc()
		monitoring.StoreErrors.WithLabelValues("push").Inc()
		s.logger.Warn().Err(err).Int64("change", change).Msg("Ledger append failed")
	} else {
		monitoring.BPHAppends.WithLabelValues("ok").Inc()
	}
	if done != nil {
		done(err)
	}
}

func (s *Session) handleBPHAdded(key string, raw json.RawMessage) {
	entry, ok := ledger.DecodeEntry(raw)
	if !ok {
		s.logger.Warn().Str("key", key).Str("value", string(raw)).Msg("Malformed ledger entry, removing")
		s.removeEntry(key)
		return
	}

	s.mirror.Put(key, entry)

	// One removal timer per key; a rewrite supersedes the old schedule.
	if t, ok := s.expiry[key]; ok {
		t.Stop()
	}
	delay := entry.ValidUntil - s.now()
	if delay < 0 {
		delay = 0
	}
	s.expiry[key] = s.afterMs(delay, func() { s.post(entryExpiredEvent{key: key}) })
}

func (s *Session) handleBPHRemoved(key string) {
	if t, ok := s.expiry[key]; ok {
		t.Stop()
		delete(s.expiry, key)
	}
	if _, ok := s.mirror.Remove(key); !ok {
		s.logger.Warn().Str("key", key).Msg("Removal for unknown ledger entry")
	}
}

// removeEntry issues a best-effort store removal for one ledger key.
func (s *Session) removeEntry(key string) {
	path := store.EntryPath(s.cfg.ClientID, key)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
		defer cancel()
		if err := s.st.Remove(ctx, path); err != nil {
			monitoring.StoreErrors.WithLabelValues("remove").Inc()
			s.logger.Warn().Err(err).Str("path", path).Msg("Ledger entry removal failed")
		}
	}()
}

func formatCode(code int) string { return strconv.Itoa(code) }
