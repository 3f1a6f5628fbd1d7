// Package session implements the per-connection state machine. One goroutine
// owns all session state; the read pump, the timers and the store callbacks
// post events into its channel, and store writes run in short-lived workers
// whose outcomes come back as events. With that discipline no field needs a
// lock.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/counter"
	"github.com/boopnet/boopd/internal/ledger"
	"github.com/boopnet/boopd/internal/limits"
	"github.com/boopnet/boopd/internal/monitoring"
	"github.com/boopnet/boopd/internal/store"
)

const (
	// HeartbeatTimeout closes the session when no inbound heartbeat arrives
	// in time. Clients are expected to beat about five seconds earlier.
	HeartbeatTimeout = 30 * time.Second

	// BPHSyncInterval is the cadence of hourly-ledger appends.
	BPHSyncInterval = time.Minute

	// GBCSyncInterval mirrors counter.SyncIntervalMs as a duration.
	GBCSyncInterval = counter.SyncIntervalMs * time.Millisecond

	// FinalFlushGrace bounds the extension window for the shutdown flush.
	FinalFlushGrace = GBCSyncInterval + time.Minute

	// storeCallTimeout bounds any single store write issued by a worker.
	storeCallTimeout = 10 * time.Second

	sendBuffer  = 64
	eventBuffer = 1024
)

// Close codes. Normal closes carry the transport default instead.
const (
	CloseInternalError   = 1000
	CloseNoHeartbeat     = 1001
	CloseCooldownAbuse   = 1002
	reasonInternalError  = "Internal Server Error"
	reasonNoHeartbeat    = "No heartbeat received within the timeout period"
	reasonCooldownAbuse  = "Too many boops during an active cooldown"
	reasonServerShutdown = "Server shutting down"
)

// Config wires one session. Zero durations fall back to the package
// constants, which lets tests shrink the clocks.
type Config struct {
	ClientID  string // key-safe identifier derived from the network peer
	UserID    string // uid presented to the credential collaborator
	Conn      net.Conn
	Connector store.Connector
	Tokens    *auth.Source
	Logger    zerolog.Logger

	HeartbeatTimeout time.Duration
	BPHSyncInterval  time.Duration
	GBCSyncInterval  time.Duration
	FinalFlushGrace  time.Duration

	// Now returns epoch milliseconds; tests may pin it.
	Now func() int64
}

// Session is the live server-side state for one connected client.
type Session struct {
	cfg    Config
	conn   net.Conn
	logger zerolog.Logger
	now    func() int64

	events   chan event
	send     chan []byte
	loopDone chan struct{}
	wg       sync.WaitGroup

	st      store.Session
	mirror  *ledger.Mirror
	limiter *limits.Limiter
	gbc     *counter.Counter

	cooldownUntil int64
	cooldownFails int

	hbTimer  *time.Timer
	gbcTimer *time.Timer
	bphTimer *time.Timer
	expiry   map[string]*time.Timer

	unsubGBC store.Unsubscribe
	unsubBPH store.Unsubscribe

	closed    bool
	closeCode int // 0 means transport-default close
	closeText string
}

func New(cfg Config) *Session {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = HeartbeatTimeout
	}
	if cfg.BPHSyncInterval == 0 {
		cfg.BPHSyncInterval = BPHSyncInterval
	}
	if cfg.GBCSyncInterval == 0 {
		cfg.GBCSyncInterval = GBCSyncInterval
	}
	if cfg.FinalFlushGrace == 0 {
		cfg.FinalFlushGrace = FinalFlushGrace
	}
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}

	mirror := ledger.NewMirror()
	return &Session{
		cfg:      cfg,
		conn:     cfg.Conn,
		logger:   cfg.Logger.With().Str("component", "session").Str("client_id", cfg.ClientID).Logger(),
		now:      now,
		events:   make(chan event, eventBuffer),
		send:     make(chan []byte, sendBuffer),
		loopDone: make(chan struct{}),
		mirror:   mirror,
		limiter:  limits.NewLimiter(mirror),
		gbc:      counter.New(),
		expiry:   make(map[string]*time.Timer),
	}
}

// post delivers an event to the actor loop, dropping it once the loop has
// exited.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.loopDone:
	}
}

// Stop asks a running session to close out. Used by server shutdown.
func (s *Session) Stop() {
	s.post(stopEvent{})
}

// Run drives the session to completion: init, event loop, final flush. It
// returns when the connection is fully torn down.
func (s *Session) Run(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Session initialization failed")
		s.abortInit()
		return err
	}

	s.wg.Add(2)
	go s.readPump()
	go s.writePump()

	s.hbTimer = time.AfterFunc(s.cfg.HeartbeatTimeout, func() { s.post(heartbeatTimeoutEvent{}) })
	s.gbcTimer = time.AfterFunc(s.cfg.GBCSyncInterval, func() { s.post(gbcTickEvent{}) })
	s.bphTimer = time.AfterFunc(s.cfg.BPHSyncInterval, func() { s.post(bphTickEvent{}) })

	s.queueCount()
	s.loop(ctx)
	s.teardown()
	return nil
}

// init signs in to the store, wires subscriptions and seeds the counter.
// Any failure here closes the channel with 1000.
func (s *Session) init(ctx context.Context) error {
	token, err := s.cfg.Tokens.Token(ctx, s.cfg.UserID)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	st, err := s.cfg.Connector.Signin(ctx, token)
	if err != nil {
		return fmt.Errorf("signin: %w", err)
	}
	s.st = st

	if err := s.initBPH(ctx); err != nil {
		return err
	}
	return s.initGBC(ctx)
}

func (s *Session) initBPH(ctx context.Context) error {
	// A malformed root or subtree is reset before the mirror fills from the
	// subscription replay. An absent subtree is left alone: both backends
	// read an empty subtree as absence, so writing an empty object would be
	// a no-op.
	raw, err := s.st.Get(ctx, store.BPHRoot)
	if err != nil {
		return fmt.Errorf("bph root read: %w", err)
	}
	if raw != nil && !isJSONObject(raw) {
		if err := s.st.Set(ctx, store.BPHRoot, map[string]any{}); err != nil {
			return fmt.Errorf("bph root reset: %w", err)
		}
	}

	path := store.BPHPath(s.cfg.ClientID)
	raw, err = s.st.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("bph subtree read: %w", err)
	}
	if raw != nil && !isJSONObject(raw) {
		if err := s.st.Set(ctx, path, map[string]any{}); err != nil {
			return fmt.Errorf("bph subtree reset: %w", err)
		}
	}

	unsub, err := s.st.Subscribe(path,
		func(key string, raw json.RawMessage) { s.post(bphAddedEvent{key: key, raw: raw}) },
		func(key string) { s.post(bphRemovedEvent{key: key}) },
	)
	if err != nil {
		return fmt.Errorf("bph subscribe: %w", err)
	}
	s.unsubBPH = unsub
	return nil
}

func (s *Session) initGBC(ctx context.Context) error {
	unsub, err := s.st.SubscribeValue(store.GBCPath, func(raw json.RawMessage) {
		s.post(gbcValueEvent{raw: raw})
	})
	if err != nil {
		return fmt.Errorf("gbc subscribe: %w", err)
	}
	s.unsubGBC = unsub

	raw, err := s.st.Get(ctx, store.GBCPath)
	if err != nil {
		return fmt.Errorf("gbc read: %w", err)
	}
	if raw != nil {
		v, ok := decodeCount(raw)
		if !ok {
			return fmt.Errorf("gbc read: not a number: %s", raw)
		}
		s.gbc.Seed(v)
	}
	return nil
}

// abortInit closes the half-initialized connection with 1000. The loop never
// ran, so loopDone is closed here to release any watcher posts in flight.
func (s *Session) abortInit() {
	close(s.loopDone)
	if s.unsubBPH != nil {
		s.unsubBPH()
	}
	if s.unsubGBC != nil {
		s.unsubGBC()
	}
	s.closeCode = CloseInternalError
	s.closeText = reasonInternalError
	s.writeCloseFrame()
	s.conn.Close()
	if s.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
		defer cancel()
		s.st.Close(ctx)
	}
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.loopDone)
	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.beginClose(0, reasonServerShutdown)
		case ev := <-s.events:
			if s.handle(ev) {
				return
			}
		}
	}
}

// beginClose records the close code, closes the send path (the write pump
// emits the close frame) and shuts the connection so the read pump unwinds.
// The loop keeps running until the read pump reports closed.
func (s *Session) beginClose(code int, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeText = reason
	close(s.send)
}

// teardown runs after the loop has exited: subscriptions and timers first,
// then the bounded final flush, then the store handle.
func (s *Session) teardown() {
	if s.unsubGBC != nil {
		s.unsubGBC()
	}
	if s.unsubBPH != nil {
		s.unsubBPH()
	}
	s.hbTimer.Stop()
	s.gbcTimer.Stop()
	s.bphTimer.Stop()
	for _, t := range s.expiry {
		t.Stop()
	}

	s.finalFlush()

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()
	if err := s.st.Close(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Store handle close failed")
	}

	s.conn.Close()
	s.wg.Wait()
	monitoring.SessionCloses.WithLabelValues(formatCode(s.closeCode)).Inc()
	s.logger.Info().Int("close_code", s.closeCode).Msg("Session ended")
}

// afterMs arms a timer on the session's millisecond timescale.
func (s *Session) afterMs(ms int64, f func()) *time.Timer {
	return time.AfterFunc(time.Duration(ms)*time.Millisecond, f)
}

// finalFlush reconciles whatever is still unsynced, in parallel, under the
// extension window.
func (s *Session) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalFlushGrace)
	defer cancel()

	var wg sync.WaitGroup
	if delta := s.gbc.Drain(); delta > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.writeGBC(ctx, delta, nil)
		}()
	}
	if change := s.mirror.TakeUnsynced(); change > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.appendBPH(ctx, change, nil)
		}()
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

func decodeCount(raw json.RawMessage) (int64, bool) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, false
	}
	v, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}
