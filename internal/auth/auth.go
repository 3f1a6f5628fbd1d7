// Package auth is the credential collaborator: it mints store tokens and
// caches them so sessions do not hit the token service on every connect.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	// TokenTTL is the minted token lifetime.
	TokenTTL = time.Hour

	// RefreshFloor forces a re-mint when the cached token has less than this
	// much life left.
	RefreshFloor = 10 * time.Second
)

// Minter produces a store token for a uid. The production implementation is
// an external RPC; the in-repo JWTMinter covers deployments where the store
// accepts locally signed tokens.
type Minter interface {
	Mint(ctx context.Context, uid string) (token string, err error)
}

// JWTMinter signs HS256 tokens with the uid as subject.
type JWTMinter struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewJWTMinter(secret, issuer string) *JWTMinter {
	return &JWTMinter{secret: []byte(secret), issuer: issuer, ttl: TokenTTL}
}

func (m *JWTMinter) Mint(ctx context.Context, uid string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token for %s: %w", uid, err)
	}
	return signed, nil
}

// tokenData is the cached record. Durable-tier payloads are decoded strictly;
// a mismatch reads as a cache miss.
type tokenData struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // epoch-ms
}

func decodeTokenData(raw []byte) (tokenData, bool) {
	var td tokenData
	if err := json.Unmarshal(raw, &td); err != nil {
		return tokenData{}, false
	}
	if td.Token == "" || td.ExpiresAt <= 0 {
		return tokenData{}, false
	}
	return td, true
}

func (td tokenData) usable(now time.Time) bool {
	return time.UnixMilli(td.ExpiresAt).Sub(now) >= RefreshFloor
}

// TokenKV is the optional durable cache tier, keyed the same way as the local
// one. The server wires it to a key-value bucket; nil disables the tier.
type TokenKV interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte) error
}

// Source hands out tokens, consulting the local cache, then the durable
// tier, then the minter. Cache keys are "<prefix>/<uid>".
type Source struct {
	minter Minter
	kv     TokenKV
	prefix string
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]tokenData
}

func NewSource(minter Minter, kv TokenKV, prefix string, logger zerolog.Logger) *Source {
	return &Source{
		minter: minter,
		kv:     kv,
		prefix: prefix,
		logger: logger.With().Str("component", "auth").Logger(),
		local:  make(map[string]tokenData),
	}
}

func (s *Source) cacheKey(uid string) string { return s.prefix + "/" + uid }

// Token returns a token for uid with at least RefreshFloor of life left.
func (s *Source) Token(ctx context.Context, uid string) (string, error) {
	now := time.Now()
	key := s.cacheKey(uid)

	s.mu.Lock()
	if td, ok := s.local[key]; ok && td.usable(now) {
		s.mu.Unlock()
		return td.Token, nil
	}
	s.mu.Unlock()

	if s.kv != nil {
		raw, ok, err := s.kv.Load(ctx, key)
		if err != nil {
			// The durable tier is best-effort; fall through to minting.
			s.logger.Warn().Err(err).Str("uid", uid).Msg("Token cache read failed")
		} else if ok {
			if td, valid := decodeTokenData(raw); valid && td.usable(now) {
				s.mu.Lock()
				s.local[key] = td
				s.mu.Unlock()
				return td.Token, nil
			}
		}
	}

	token, err := s.minter.Mint(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("auth: mint for %s: %w", uid, err)
	}
	td := tokenData{Token: token, ExpiresAt: now.Add(TokenTTL).UnixMilli()}

	s.mu.Lock()
	s.local[key] = td
	s.mu.Unlock()

	if s.kv != nil {
		raw, _ := json.Marshal(td)
		if err := s.kv.Store(ctx, key, raw); err != nil {
			s.logger.Warn().Err(err).Str("uid", uid).Msg("Token cache write failed")
		}
	}

	s.logger.Debug().Str("uid", uid).Msg("Minted store token")
	return token, nil
}
