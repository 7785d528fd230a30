package httpapi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/chrisdanielwise/miniapp-gateway/internal/identity"
	"github.com/chrisdanielwise/miniapp-gateway/internal/session"
)

// gateSpy records what the gatekeeper let through.
type gateSpy struct {
	called  bool
	headers http.Header
}

func (p *gateSpy) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.called = true
		p.headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})
}

func TestGatePublicPathPassesWithoutCredential(t *testing.T) {
	env := newTestEnv(t)
	spy := &gateSpy{}
	gate := env.api.Gate(spy.handler())

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/login"} {
		spy.called = false
		rr := httptest.NewRecorder()
		gate.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if !spy.called {
			t.Fatalf("%s: expected pass-through", path)
		}
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestGateHardRouteWithoutCredentialRedirects(t *testing.T) {
	env := newTestEnv(t)
	spy := &gateSpy{}
	gate := env.api.Gate(spy.handler())

	rr := httptest.NewRecorder()
	gate.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))

	if spy.called {
		t.Fatal("expected request to be blocked")
	}
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Path != "/login" {
		t.Fatalf("expected redirect to /login, got %q", loc.Path)
	}
	if got := loc.Query().Get("reason"); got != "auth_required" {
		t.Fatalf("expected reason auth_required, got %q", got)
	}
}

func TestGateHardRouteWithGarbageTokenClearsCookie(t *testing.T) {
	env := newTestEnv(t)
	spy := &gateSpy{}
	gate := env.api.Gate(spy.handler())

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "not-a-token"})

	rr := httptest.NewRecorder()
	gate.ServeHTTP(rr, req)

	if spy.called {
		t.Fatal("expected request to be blocked")
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	if got := loc.Query().Get("reason"); got != "session_expired" {
		t.Fatalf("expected reason session_expired, got %q", got)
	}
	var cleared bool
	for _, c := range rr.Result().Cookies() {
		if c.Name == session.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("expected the session cookie to be cleared")
	}
}

func TestGateHardRouteWithValidSessionAttachesHeaders(t *testing.T) {
	env := newTestEnv(t)
	ident := env.seedIdentity(t, 101, identity.RoleMerchantOperator, "tenant-a")
	token, _, err := env.sessions.Issue(ident)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	spy := &gateSpy{}
	gate := env.api.Gate(spy.handler())

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rr := httptest.NewRecorder()
	gate.ServeHTTP(rr, req)

	if !spy.called {
		t.Fatalf("expected pass, got %d", rr.Code)
	}
	if got := spy.headers.Get(headerIdentityID); got != ident.ID {
		t.Fatalf("identity header: got %q want %q", got, ident.ID)
	}
	if got := spy.headers.Get(headerIdentityRole); got != string(identity.RoleMerchantOperator) {
		t.Fatalf("role header: got %q", got)
	}
	if spy.headers.Get(headerRevocationStamp) == "" {
		t.Fatal("expected revocation stamp header")
	}
}

func TestGateStripsSpoofedIdentityHeaders(t *testing.T) {
	env := newTestEnv(t)
	spy := &gateSpy{}
	gate := env.api.Gate(spy.handler())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerIdentityID, "forged")
	req.Header.Set(headerIdentityRole, "platform-root")
	req.Header.Set(headerRevocationStamp, "forged")

	rr := httptest.NewRecorder()
	gate.ServeHTTP(rr, req)

	if !spy.called {
		t.Fatalf("expected pass, got %d", rr.Code)
	}
	for _, h := range []string{headerIdentityID, headerIdentityRole, headerRevocationStamp} {
		if got := spy.headers.Get(h); got != "" {
			t.Fatalf("%s: expected stripped, got %q", h, got)
		}
	}
}

func TestGateSoftRouteNeverBlocks(t *testing.T) {
	env := newTestEnv(t)
	ident := env.seedIdentity(t, 102, identity.RoleCustomer, "")
	token, _, err := env.sessions.Issue(ident)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	spy := &gateSpy{}
	gate := env.api.Gate(spy.handler())

	// No credential: passes anonymously.
	rr := httptest.NewRecorder()
	gate.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/storefront/items", nil))
	if !spy.called || spy.headers.Get(headerIdentityID) != "" {
		t.Fatal("expected anonymous pass-through")
	}

	// Broken credential: still passes, still anonymous.
	spy.called = false
	req := httptest.NewRequest(http.MethodGet, "/v1/storefront/items", nil)
	req.Header.Set("Authorization", "Bearer broken")
	rr = httptest.NewRecorder()
	gate.ServeHTTP(rr, req)
	if !spy.called || spy.headers.Get(headerIdentityID) != "" {
		t.Fatal("expected anonymous pass-through with bad credential")
	}

	// Valid credential: identity attached.
	spy.called = false
	req = httptest.NewRequest(http.MethodGet, "/v1/storefront/items", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	gate.ServeHTTP(rr, req)
	if !spy.called {
		t.Fatal("expected pass-through")
	}
	if got := spy.headers.Get(headerIdentityID); got != ident.ID {
		t.Fatalf("identity header: got %q want %q", got, ident.ID)
	}
}

func TestGateLoginPathIsNeverRedirectTarget(t *testing.T) {
	env := newTestEnv(t)
	spy := &gateSpy{}
	gate := env.api.Gate(spy.handler())

	// Even with a broken credential, the login surface must render
	// rather than redirect to itself.
	req := httptest.NewRequest(http.MethodGet, "/login?reason=session_expired", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "garbage"})

	rr := httptest.NewRecorder()
	gate.ServeHTTP(rr, req)

	if !spy.called {
		t.Fatalf("expected login surface to render, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "" {
		t.Fatalf("unexpected redirect from login path: %q", loc)
	}
}

func TestGateRedirectReasonsAreQueryEscaped(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	env.api.redirectToLogin(rr, httptest.NewRequest(http.MethodGet, "/v1/x", nil), reasonSessionExpired, false)
	if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, "/login?reason=") {
		t.Fatalf("unexpected location: %q", loc)
	}
}

func TestClassifyDefaultsToHard(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		method string
		path   string
		want   routeClass
	}{
		{http.MethodGet, "/login", routePublic},
		{http.MethodGet, "/metrics", routePublic},
		{http.MethodPost, "/v1/auth/miniapp", routePublic},
		{http.MethodGet, "/v1/auth/link", routePublic},
		{http.MethodPost, "/v1/auth/link", routeHard},
		{http.MethodGet, "/v1/storefront/items", routeSoft},
		{http.MethodGet, "/v1/orders?link_token=abc", routePublic},
		{http.MethodGet, "/v1/orders?reason=session_expired", routePublic},
		{http.MethodGet, "/v1/auth/me", routeHard},
		{http.MethodPost, "/v1/auth/logout", routeHard},
		{http.MethodGet, "/v1/anything/else", routeHard},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := env.api.classify(req); got != tc.want {
			t.Fatalf("%s %s: got %v want %v", tc.method, tc.path, got, tc.want)
		}
	}
}
