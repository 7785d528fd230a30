package identity

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Source labels where a credential was extracted from.
type Source string

const (
	SourceAttached  Source = "attached"
	SourceBearer    Source = "bearer"
	SourceCookie    Source = "cookie"
	SourceHandshake Source = "handshake"
	SourceLink      Source = "link"
)

// SessionCookieName mirrors the cookie the session package issues; kept
// here so extraction does not depend on that package.
const SessionCookieName = "gateway_session"

// HandshakePayloadHeader carries raw url-encoded handshake material on
// API calls made from inside the mini-app.
const HandshakePayloadHeader = "X-Miniapp-Auth"

// LinkTokenParam is the query parameter carrying a single-use link token.
const LinkTokenParam = "link_token"

// SessionAuthority is the slow-path verifier for session credentials.
type SessionAuthority interface {
	VerifyAndHydrate(ctx context.Context, token string) (Identity, error)
}

// LinkRedeemer consumes a single-use link token.
type LinkRedeemer interface {
	Redeem(ctx context.Context, token string) (string, error)
}

// HandshakeAuthority verifies raw handshake material and provisions the
// identity it asserts.
type HandshakeAuthority interface {
	Authenticate(ctx context.Context, values url.Values) (Identity, error)
}

// Resolver turns any of the credential ingress forms into one Resolved
// identity. Sources are tried in priority order; an absent source falls
// through to the next, a present-but-invalid one fails the resolution.
type Resolver struct {
	sessions   SessionAuthority
	links      LinkRedeemer
	handshakes HandshakeAuthority
	store      Store
}

func NewResolver(sessions SessionAuthority, links LinkRedeemer, handshakes HandshakeAuthority, store Store) *Resolver {
	return &Resolver{sessions: sessions, links: links, handshakes: handshakes, store: store}
}

type credential struct {
	source Source
	token  string
	values url.Values
}

// extractors are ordered by trust: an upstream-attached identity is
// handled before this table is consulted, then bearer beats cookie beats
// raw handshake material beats link tokens.
var extractors = []func(*http.Request) (credential, bool){
	extractBearer,
	extractCookie,
	extractHandshake,
	extractLink,
}

func extractBearer(r *http.Request) (credential, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const scheme = "bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return credential{}, false
	}
	token := strings.TrimSpace(header[len(scheme):])
	if token == "" {
		return credential{}, false
	}
	return credential{source: SourceBearer, token: token}, true
}

func extractCookie(r *http.Request) (credential, bool) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return credential{}, false
	}
	return credential{source: SourceCookie, token: c.Value}, true
}

func extractHandshake(r *http.Request) (credential, bool) {
	raw := r.Header.Get(HandshakePayloadHeader)
	if raw == "" {
		return credential{}, false
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return credential{}, false
	}
	return credential{source: SourceHandshake, values: values}, true
}

func extractLink(r *http.Request) (credential, bool) {
	token := r.URL.Query().Get(LinkTokenParam)
	if token == "" {
		return credential{}, false
	}
	return credential{source: SourceLink, token: token}, true
}

// Resolve produces the normalized identity for the request, caching the
// result for the remainder of this request only. At most one store read
// happens per request.
func (r *Resolver) Resolve(req *http.Request) (Resolved, error) {
	ctx := req.Context()

	// An identity attached earlier in this request (by the gatekeeper or
	// an upstream hop inside the trust boundary) wins outright.
	if res, ok := ResolvedFromContext(ctx); ok {
		return res, nil
	}

	if cache, ok := cacheFromContext(ctx); ok {
		return cache.resolve(func() (Resolved, error) { return r.resolveUncached(req) })
	}
	return r.resolveUncached(req)
}

func (r *Resolver) resolveUncached(req *http.Request) (Resolved, error) {
	ctx := req.Context()
	for _, extract := range extractors {
		cred, ok := extract(req)
		if !ok {
			continue
		}
		ident, err := r.verify(ctx, cred)
		if err != nil {
			return Resolved{}, err
		}
		return NewResolved(ident), nil
	}
	return Resolved{}, ErrUnauthorized
}

func (r *Resolver) verify(ctx context.Context, cred credential) (Identity, error) {
	switch cred.source {
	case SourceBearer, SourceCookie:
		return r.sessions.VerifyAndHydrate(ctx, cred.token)
	case SourceHandshake:
		return r.handshakes.Authenticate(ctx, cred.values)
	case SourceLink:
		identityID, err := r.links.Redeem(ctx, cred.token)
		if err != nil {
			return Identity{}, err
		}
		ident, err := r.store.Find(ctx, identityID)
		if err != nil {
			return Identity{}, err
		}
		if !ident.Active {
			return Identity{}, ErrInactive
		}
		return *ident, nil
	default:
		return Identity{}, ErrUnauthorized
	}
}

// resolveCache memoizes one resolution for the lifetime of a request.
type resolveCache struct {
	mu   sync.Mutex
	done bool
	res  Resolved
	err  error
}

func (c *resolveCache) resolve(fn func() (Resolved, error)) (Resolved, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.res, c.err = fn()
		c.done = true
	}
	return c.res, c.err
}

// snapshot returns the cached resolution, if one succeeded already. It
// never triggers a resolution itself.
func (c *resolveCache) snapshot() (Resolved, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done || c.err != nil {
		return Resolved{}, false
	}
	return c.res, true
}

type cacheContextKey struct{}

// ContextWithResolveCache installs the per-request resolution cache.
// The gatekeeper calls this once per inbound request.
func ContextWithResolveCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheContextKey{}, &resolveCache{})
}

func cacheFromContext(ctx context.Context) (*resolveCache, bool) {
	v, ok := ctx.Value(cacheContextKey{}).(*resolveCache)
	return v, ok && v != nil
}
