package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/chrisdanielwise/miniapp-gateway/internal/identity"
	"github.com/chrisdanielwise/miniapp-gateway/internal/obs"
	"github.com/chrisdanielwise/miniapp-gateway/internal/session"
)

// Route classes. Public routes never consult credentials, soft routes
// resolve an identity when one is present but never block, hard routes
// require a valid session or send the client to the login surface.
type routeClass int

const (
	routePublic routeClass = iota
	routeSoft
	routeHard
)

func (c routeClass) String() string {
	switch c {
	case routePublic:
		return "public"
	case routeSoft:
		return "soft"
	default:
		return "hard"
	}
}

// Identity headers attached for downstream services. Inbound values are
// stripped unconditionally: only the gatekeeper may assert them.
const (
	headerIdentityID      = "X-Identity-Id"
	headerIdentityRole    = "X-Identity-Role"
	headerRevocationStamp = "X-Revocation-Stamp"
)

// Redirect reasons form a closed vocabulary; the login surface refuses
// anything else.
const (
	reasonAuthRequired   = "auth_required"
	reasonSessionExpired = "session_expired"
	reasonLinkInvalid    = "link_invalid"
	reasonLinkExpired    = "link_expired"
)

var knownReasons = map[string]string{
	reasonAuthRequired:   "Sign in to continue.",
	reasonSessionExpired: "Your session has ended. Sign in again.",
	reasonLinkInvalid:    "That link is no longer valid.",
	reasonLinkExpired:    "That link has expired. Request a new one.",
}

type routeRule struct {
	class routeClass
	match func(r *http.Request) bool
}

func pathIs(paths ...string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		for _, p := range paths {
			if r.URL.Path == p {
				return true
			}
		}
		return false
	}
}

func pathPrefix(prefix string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return strings.HasPrefix(r.URL.Path, prefix)
	}
}

// defaultRules orders the route table. The login surface comes first so
// a redirect can never target a gated page, then the operational and
// credential-ingress endpoints, then soft prefixes. Everything that no
// rule claims is hard.
func defaultRules(loginPath string) []routeRule {
	return []routeRule{
		{routePublic, pathIs(loginPath)},
		{routePublic, pathIs("/healthz", "/readyz", "/metrics", "/v1/info")},
		{routePublic, pathIs("/v1/auth/miniapp")},
		{routePublic, func(r *http.Request) bool {
			// Link redemption carries its own single-use credential.
			return r.URL.Path == "/v1/auth/link" && r.Method == http.MethodGet
		}},
		{routePublic, func(r *http.Request) bool {
			// A link token is a credential in itself, and a reason marker
			// means the client just came from a failed check.
			q := r.URL.Query()
			return q.Get(identity.LinkTokenParam) != "" || q.Get("reason") != ""
		}},
		{routePublic, pathPrefix("/assets/")},
		{routeSoft, pathPrefix("/v1/storefront/")},
	}
}

func (a *API) classify(r *http.Request) routeClass {
	for _, rule := range a.rules {
		if rule.match(r) {
			return rule.class
		}
	}
	return routeHard
}

// Gate strips inbound identity assertions, classifies the route and
// enforces its class. The session check here is the fast path: claims
// only, no store read.
func (a *API) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(headerIdentityID)
		r.Header.Del(headerIdentityRole)
		r.Header.Del(headerRevocationStamp)

		r = r.WithContext(identity.ContextWithResolveCache(r.Context()))

		class := a.classify(r)
		switch class {
		case routePublic:
			obs.CountGateDecision(class.String(), "pass")
			next.ServeHTTP(w, r)
			return
		case routeSoft:
			if token, ok := sessionToken(r); ok {
				if claims, err := a.sessions.Verify(token); err == nil {
					attachIdentity(r, claims)
				}
			}
			obs.CountGateDecision(class.String(), "pass")
			next.ServeHTTP(w, r)
			return
		}

		token, ok := sessionToken(r)
		if !ok {
			obs.CountGateDecision(class.String(), "redirect")
			a.redirectToLogin(w, r, reasonAuthRequired, false)
			return
		}
		claims, err := a.sessions.Verify(token)
		if err != nil {
			obs.CountGateDecision(class.String(), "redirect")
			a.redirectToLogin(w, r, reasonSessionExpired, true)
			return
		}
		attachIdentity(r, claims)
		obs.CountGateDecision(class.String(), "pass")
		next.ServeHTTP(w, r)
	})
}

func sessionToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const scheme = "bearer "
	if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
		if token := strings.TrimSpace(header[len(scheme):]); token != "" {
			return token, true
		}
	}
	if c, err := r.Cookie(session.CookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

func attachIdentity(r *http.Request, claims *session.Claims) {
	r.Header.Set(headerIdentityID, claims.Subject)
	r.Header.Set(headerIdentityRole, claims.Role)
	r.Header.Set(headerRevocationStamp, claims.Stamp)
}

// redirectToLogin sends the client to the login surface with a reason
// from the closed vocabulary. clearCookie removes a credential that was
// present but failed verification, so the next request starts clean.
func (a *API) redirectToLogin(w http.ResponseWriter, r *http.Request, reason string, clearCookie bool) {
	if clearCookie {
		http.SetCookie(w, session.ClearCookie(session.CookieContextFor(r.Host, requestProto(r))))
	}
	if r.URL.Path == a.loginPath {
		// Structurally unreachable: the route table classifies the
		// login path public. Kept as a hard stop against loops.
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	target := a.loginPath + "?reason=" + url.QueryEscape(reason)
	http.Redirect(w, r, target, http.StatusFound)
}

func requestProto(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return p
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// resolveError maps resolver failures onto API status codes. Revoked
// and expired sessions are reported identically, and a store outage
// fails closed as unauthenticated.
func resolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrRevoked),
		errors.Is(err, session.ErrSignatureInvalid), errors.Is(err, session.ErrMalformed):
		writeError(w, r, http.StatusUnauthorized, "session is no longer valid")
	case errors.Is(err, identity.ErrInactive):
		writeError(w, r, http.StatusForbidden, "identity is deactivated")
	case errors.Is(err, identity.ErrUnauthorized), errors.Is(err, session.ErrStoreUnavailable):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
