package session

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// CookieName carries the session credential for browser and embedded
// frame clients.
const CookieName = "gateway_session"

// CookieContext is the attribute triple derived per request. The same
// credential must survive both same-site browser delivery and cross-site
// embedded frames, so the attributes are a pure function of host and
// protocol rather than a deployment constant.
type CookieContext struct {
	Secure      bool
	SameSite    http.SameSite
	Partitioned bool
}

// CookieContextFor derives cookie attributes from the request host and
// protocol. Loopback development hosts get a relaxed same-site cookie;
// everything else is assumed reachable from a cross-site embedded frame
// and gets Secure + SameSite=None + Partitioned.
func CookieContextFor(host, proto string) CookieContext {
	if isLoopback(host) && proto != "https" {
		return CookieContext{Secure: false, SameSite: http.SameSiteLaxMode, Partitioned: false}
	}
	return CookieContext{Secure: true, SameSite: http.SameSiteNoneMode, Partitioned: true}
}

// NewCookie builds the HTTP-only session cookie for the given context.
func NewCookie(token string, expiresAt time.Time, cc CookieContext) *http.Cookie {
	return &http.Cookie{
		Name:        CookieName,
		Value:       token,
		Path:        "/",
		Expires:     expiresAt,
		HttpOnly:    true,
		Secure:      cc.Secure,
		SameSite:    cc.SameSite,
		Partitioned: cc.Partitioned,
	}
}

// ClearCookie expires the session cookie with matching attributes; a
// mismatched attribute set would leave the stale cookie in place in
// partitioned browsers.
func ClearCookie(cc CookieContext) *http.Cookie {
	c := NewCookie("", time.Unix(0, 0), cc)
	c.MaxAge = -1
	return c
}

func isLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
