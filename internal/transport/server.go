// Package transport owns the listener: HTTP endpoints, the WebSocket upgrade
// path, connection admission and graceful drain. Everything after the upgrade
// belongs to the session package.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/config"
	"github.com/boopnet/boopd/internal/monitoring"
	"github.com/boopnet/boopd/internal/session"
	"github.com/boopnet/boopd/internal/store"

	"github.com/gobwas/ws"
)

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	connector store.Connector
	tokens    *auth.Source

	listener net.Listener
	httpSrv  *http.Server

	sessions     sync.Map // *session.Session -> struct{}
	sem          chan struct{}
	current      int64
	shuttingDown int32

	limiter *connLimiter
	wg      sync.WaitGroup
}

func NewServer(cfg *config.Config, connector store.Connector, tokens *auth.Source, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "transport").Logger(),
		connector: connector,
		tokens:    tokens,
		sem:       make(chan struct{}, cfg.MaxConnections),
		limiter:   newConnLimiter(cfg.ConnRateGlobal, cfg.ConnRatePerIP),
	}
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { s.handleWS(ctx, w, r) })
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", monitoring.MetricsHandler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()
	s.wg.Add(1)
	go s.limiter.runCleanup(ctx, &s.wg)

	s.logger.Info().Str("addr", s.cfg.Addr).Int("max_connections", s.cfg.MaxConnections).Msg("Server listening")
	return nil
}

// Addr is the bound listener address, useful with ":0" configs.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		s.logger.Debug().Str("ip", ip).Msg("Connection rejected by rate limiter")
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().
			Int64("current_connections", atomic.LoadInt64(&s.current)).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected, server at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	sess := session.New(session.Config{
		ClientID:  ClientID(ip),
		UserID:    s.cfg.StoreUserID,
		Conn:      conn,
		Connector: s.connector,
		Tokens:    s.tokens,
		Logger:    s.logger,
	})

	s.sessions.Store(sess, struct{}{})
	atomic.AddInt64(&s.current, 1)
	monitoring.SessionsActive.Inc()
	monitoring.SessionsTotal.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.sessions.Delete(sess)
			atomic.AddInt64(&s.current, -1)
			monitoring.SessionsActive.Dec()
			<-s.sem
		}()
		sess.Run(ctx)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	current := atomic.LoadInt64(&s.current)
	draining := atomic.LoadInt32(&s.shuttingDown) == 1

	status := "ok"
	code := http.StatusOK
	if draining {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"connections": map[string]any{
			"current": current,
			"max":     s.cfg.MaxConnections,
		},
	})
}

// Shutdown stops accepting connections, asks every live session to close out
// and waits for the drain, bounded by the configured timeout. Sessions flush
// their unsynced counts on the way down.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	count := 0
	s.sessions.Range(func(key, _ any) bool {
		key.(*session.Session).Stop()
		count++
		return true
	})
	s.logger.Info().Int("active_sessions", count).Msg("Draining sessions")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		remaining := atomic.LoadInt64(&s.current)
		s.logger.Warn().Int64("remaining_sessions", remaining).Msg("Drain timeout expired")
		return fmt.Errorf("transport: drain timeout with %d sessions remaining", remaining)
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the socket
// peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientID turns a peer address into a store-key-safe identifier. Anything
// outside [0-9a-z_-] becomes '-', so IPv6 colons and dots collapse without
// colliding with path separators.
func ClientID(ip string) string {
	var b strings.Builder
	b.Grow(len(ip))
	for _, c := range ip {
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-':
			b.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			b.WriteRune(c + ('a' - 'A'))
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
