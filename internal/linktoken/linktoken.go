// Package linktoken issues and atomically consumes the single-use tokens
// that bridge an out-of-band trigger (a bot command, an email) into a
// browser session.
package linktoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/chrisdanielwise/miniapp-gateway/internal/ids"
)

var (
	ErrNotFound = errors.New("linktoken: not found")
	ErrExpired  = errors.New("linktoken: expired")
	ErrConsumed = errors.New("linktoken: already used")
)

const defaultTTL = 5 * time.Minute

// Record is a persisted link token. Only the SHA-256 hash of the token
// is stored; the raw value exists solely in the URL handed to the user.
type Record struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
}

// Store persists link tokens. Consume must be a single conditional
// update, never a read-then-write pair: of two concurrent consumptions
// of the same hash, exactly one may succeed.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Consume(ctx context.Context, tokenHash string, now time.Time) (identityID string, err error)
}

// Service issues and redeems single-use link tokens.
type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithTTL overrides the token lifetime. Keep it to single-digit minutes.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("linktoken: store is required")
	}
	s := &Service{store: store, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue generates a high-entropy token for the identity and stores its
// hash with a short expiry.
func (s *Service) Issue(ctx context.Context, identityID string) (string, time.Time, error) {
	if identityID == "" {
		return "", time.Time{}, errors.New("linktoken: identity id is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("linktoken: generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expiresAt := s.now().Add(s.ttl)

	rec := Record{
		ID:         ids.New(),
		IdentityID: identityID,
		TokenHash:  hashToken(token),
		ExpiresAt:  expiresAt,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Redeem consumes the token exactly once and returns the owning identity
// id. A second redemption, concurrent or not, fails with ErrConsumed.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrNotFound
	}
	return s.store.Consume(ctx, hashToken(token), s.now())
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
