// Package session issues and verifies the signed, self-contained
// credential that carries a resolved identity between requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chrisdanielwise/miniapp-gateway/internal/identity"
)

var (
	ErrMalformed        = errors.New("session: malformed token")
	ErrExpired          = errors.New("session: expired")
	ErrSignatureInvalid = errors.New("session: signature invalid")
	ErrRevoked          = errors.New("session: revoked")

	// ErrStoreUnavailable means the stamp could not be read even after the
	// retry. Callers must treat the holder as unauthenticated.
	ErrStoreUnavailable = errors.New("session: identity store unavailable")
)

// Lifetime tiers: high-privilege roles live shortest.
var defaultTiers = map[identity.Role]time.Duration{
	identity.RolePlatformRoot:     time.Hour,
	identity.RolePlatformManager:  time.Hour,
	identity.RolePlatformSupport:  time.Hour,
	identity.RoleMerchantOperator: 12 * time.Hour,
	identity.RoleCustomer:         30 * 24 * time.Hour,
}

// storeRetryBackoff delays the single retry allowed on a store read.
const storeRetryBackoff = 150 * time.Millisecond

// Claims is the credential payload. Stamp snapshots the identity's
// revocation stamp at issuance time.
type Claims struct {
	Role   string `json:"role"`
	Tenant string `json:"tenant,omitempty"`
	Staff  bool   `json:"staff"`
	Stamp  string `json:"stamp"`
	jwt.RegisteredClaims
}

// StampReader is the one store dependency of the slow verification path.
type StampReader interface {
	Find(ctx context.Context, id string) (*identity.Identity, error)
}

// Service signs and verifies session credentials.
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
	store  StampReader
	tiers  map[identity.Role]time.Duration
}

// Option configures the Service.
type Option func(*Service) error

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithTier overrides the lifetime of one role tier.
func WithTier(role identity.Role, ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl <= 0 {
			return fmt.Errorf("session: tier ttl must be positive")
		}
		s.tiers[role] = ttl
		return nil
	}
}

// NewService constructs the token service. store may be nil only when
// the caller never uses VerifyAndHydrate.
func NewService(secret string, store StampReader, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session: signing secret is required")
	}
	s := &Service{
		secret: []byte(secret),
		issuer: "miniapp-gateway",
		now:    time.Now,
		store:  store,
		tiers:  make(map[identity.Role]time.Duration, len(defaultTiers)),
	}
	for role, ttl := range defaultTiers {
		s.tiers[role] = ttl
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue signs a credential for the identity with a role-tiered expiry.
func (s *Service) Issue(ident identity.Identity) (string, time.Time, error) {
	if ident.ID == "" {
		return "", time.Time{}, errors.New("session: identity id is required")
	}
	ttl, ok := s.tiers[ident.Role]
	if !ok {
		return "", time.Time{}, fmt.Errorf("session: no lifetime tier for role %q", ident.Role)
	}
	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role:   string(ident.Role),
		Tenant: ident.TenantID,
		Staff:  ident.IsStaff(),
		Stamp:  ident.RevocationStamp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   ident.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature and expiry only. No store access: this is the
// fast path the edge gatekeeper runs on every request.
func (s *Service) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		default:
			return nil, ErrMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Stamp == "" {
		return nil, ErrMalformed
	}
	if _, err := identity.ParseRole(claims.Role); err != nil {
		return nil, ErrMalformed
	}
	return claims, nil
}

// VerifyAndHydrate is the authoritative path: fast verification plus one
// store read comparing the embedded revocation stamp against the live
// one. Store failures get a single retry after a short backoff and then
// fail closed.
func (s *Service) VerifyAndHydrate(ctx context.Context, token string) (identity.Identity, error) {
	if s.store == nil {
		return identity.Identity{}, errors.New("session: no identity store configured")
	}
	claims, err := s.Verify(token)
	if err != nil {
		return identity.Identity{}, err
	}

	ident, err := s.findWithRetry(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identity.Identity{}, ErrRevoked
		}
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ident.Active {
		return identity.Identity{}, ErrRevoked
	}
	if ident.RevocationStamp != claims.Stamp {
		return identity.Identity{}, ErrRevoked
	}
	return *ident, nil
}

func (s *Service) findWithRetry(ctx context.Context, id string) (*identity.Identity, error) {
	ident, err := s.store.Find(ctx, id)
	if err == nil || errors.Is(err, identity.ErrNotFound) || ctx.Err() != nil {
		return ident, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(storeRetryBackoff):
	}
	return s.store.Find(ctx, id)
}
