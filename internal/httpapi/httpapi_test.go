package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chrisdanielwise/miniapp-gateway/internal/config"
	"github.com/chrisdanielwise/miniapp-gateway/internal/handshake"
	"github.com/chrisdanielwise/miniapp-gateway/internal/identity"
	"github.com/chrisdanielwise/miniapp-gateway/internal/ids"
	"github.com/chrisdanielwise/miniapp-gateway/internal/linktoken"
	"github.com/chrisdanielwise/miniapp-gateway/internal/session"
)

const (
	testSecret       = "unit-test-session-secret"
	testSigningToken = "12345:test-signing-token"
)

// memIdentities mirrors the Postgres store contract in memory. findErr,
// when set, makes every Find fail to simulate a store outage.
type memIdentities struct {
	mu      sync.Mutex
	byID    map[string]identity.Identity
	byChat  map[int64]string
	findErr error
}

func newMemIdentities() *memIdentities {
	return &memIdentities{
		byID:   make(map[string]identity.Identity),
		byChat: make(map[int64]string),
	}
}

func (m *memIdentities) Find(ctx context.Context, id string) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	ident, ok := m.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	out := ident
	return &out, nil
}

func (m *memIdentities) FindByChatID(ctx context.Context, chatID int64) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byChat[chatID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	out := m.byID[id]
	return &out, nil
}

func (m *memIdentities) Upsert(ctx context.Context, ident *identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if id, ok := m.byChat[ident.ChatID]; ok {
		existing := m.byID[id]
		existing.DisplayName = ident.DisplayName
		existing.UpdatedAt = now
		m.byID[id] = existing
		*ident = existing
		return nil
	}
	ident.ID = ids.New()
	ident.RevocationStamp = ids.New()
	ident.Active = true
	ident.CreatedAt = now
	ident.UpdatedAt = now
	m.byID[ident.ID] = *ident
	m.byChat[ident.ChatID] = ident.ID
	return nil
}

func (m *memIdentities) SetRole(ctx context.Context, id string, role identity.Role, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	ident.Role = role
	ident.TenantID = tenantID
	m.byID[id] = ident
	return nil
}

func (m *memIdentities) RotateStamp(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byID[id]
	if !ok {
		return "", identity.ErrNotFound
	}
	ident.RevocationStamp = ids.New()
	m.byID[id] = ident
	return ident.RevocationStamp, nil
}

func (m *memIdentities) RevocationStamp(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byID[id]
	if !ok {
		return "", identity.ErrNotFound
	}
	return ident.RevocationStamp, nil
}

func (m *memIdentities) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	ident.Active = false
	m.byID[id] = ident
	return nil
}

// memLinks is an in-memory link token store with the same conditional
// consume semantics as the Postgres one.
type memLinks struct {
	mu   sync.Mutex
	recs map[string]*linkRec
}

type linkRec struct {
	identityID string
	expiresAt  time.Time
	consumed   bool
}

func newMemLinks() *memLinks {
	return &memLinks{recs: make(map[string]*linkRec)}
}

func (m *memLinks) Insert(ctx context.Context, rec linktoken.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.TokenHash] = &linkRec{identityID: rec.IdentityID, expiresAt: rec.ExpiresAt}
	return nil
}

func (m *memLinks) Consume(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[tokenHash]
	if !ok {
		return "", linktoken.ErrNotFound
	}
	if rec.consumed {
		return "", linktoken.ErrConsumed
	}
	if !rec.expiresAt.After(now) {
		return "", linktoken.ErrExpired
	}
	rec.consumed = true
	return rec.identityID, nil
}

type testEnv struct {
	api        *API
	identities *memIdentities
	links      *linktoken.Service
	sessions   *session.Service
	now        *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	now := time.Now().UTC()
	clock := func() time.Time { return now }

	store := newMemIdentities()
	sessions, err := session.NewService(testSecret, store, session.WithIssuer("miniapp-gateway-test"))
	if err != nil {
		t.Fatalf("session service: %v", err)
	}
	links, err := linktoken.NewService(newMemLinks(), linktoken.WithClock(clock))
	if err != nil {
		t.Fatalf("link service: %v", err)
	}
	verifier := handshake.NewVerifier()
	provisioner, err := identity.NewProvisioner(store, verifier, func(string) (string, bool) {
		return testSigningToken, true
	})
	if err != nil {
		t.Fatalf("provisioner: %v", err)
	}
	resolver := identity.NewResolver(sessions, links, provisioner, store)

	api := New(Options{
		Version:     "test",
		LoginPath:   "/login",
		Sessions:    sessions,
		Links:       links,
		Identities:  store,
		Resolver:    resolver,
		Provisioner: provisioner,
		RateLimit:   config.RateLimit{Burst: 100, PerSecond: 100},
	})

	return &testEnv{api: api, identities: store, links: links, sessions: sessions, now: &now}
}

// seedIdentity provisions an identity directly in the store.
func (e *testEnv) seedIdentity(t *testing.T, chatID int64, role identity.Role, tenantID string) identity.Identity {
	t.Helper()
	ident := &identity.Identity{ChatID: chatID, DisplayName: "Seed User", Role: identity.RoleCustomer}
	if err := e.identities.Upsert(context.Background(), ident); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	if role != identity.RoleCustomer || tenantID != "" {
		if err := e.identities.SetRole(context.Background(), ident.ID, role, tenantID); err != nil {
			t.Fatalf("seed role: %v", err)
		}
		ident.Role = role
		ident.TenantID = tenantID
	}
	return *ident
}

// signedInitData produces a url-encoded handshake payload signed with
// testSigningToken.
func signedInitData(t *testing.T, chatID int64, authDate time.Time) string {
	t.Helper()
	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	values.Set("query_id", "AAE77")
	values.Set("user", `{"id":`+strconv.FormatInt(chatID, 10)+`,"first_name":"Grace","last_name":"H","username":"grace"}`)

	lines := make([]string, 0, len(values))
	for key := range values {
		lines = append(lines, key+"="+values.Get(key))
	}
	sort.Strings(lines)

	stage := hmac.New(sha256.New, []byte("WebAppData"))
	stage.Write([]byte(testSigningToken))
	mac := hmac.New(sha256.New, stage.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))

	return values.Encode()
}
