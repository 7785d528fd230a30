package httpapi

import (
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chrisdanielwise/miniapp-gateway/internal/audit"
	"github.com/chrisdanielwise/miniapp-gateway/internal/handshake"
	"github.com/chrisdanielwise/miniapp-gateway/internal/identity"
	"github.com/chrisdanielwise/miniapp-gateway/internal/linktoken"
	"github.com/chrisdanielwise/miniapp-gateway/internal/obs"
	"github.com/chrisdanielwise/miniapp-gateway/internal/session"
)

type sessionResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	Identity  identity.Identity `json:"identity"`
}

// handleMiniappLogin exchanges raw handshake material for a session.
// The body is the url-encoded payload exactly as the chat client hands
// it to the embedded app.
func (a *API) handleMiniappLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "request body unreadable")
		return
	}
	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil || len(values) == 0 {
		writeError(w, r, http.StatusBadRequest, "handshake payload is required")
		return
	}

	ident, err := a.provisioner.Authenticate(r.Context(), values)
	if err != nil {
		obs.CountVerification(string(identity.SourceHandshake), "fail")
		switch {
		case errors.Is(err, handshake.ErrExpired):
			writeError(w, r, http.StatusUnauthorized, "handshake expired")
		case errors.Is(err, handshake.ErrMissingSignature), errors.Is(err, handshake.ErrSignatureMismatch):
			writeError(w, r, http.StatusUnauthorized, "invalid handshake")
		case errors.Is(err, identity.ErrInactive):
			writeError(w, r, http.StatusForbidden, "identity is deactivated")
		default:
			writeError(w, r, http.StatusInternalServerError, "authentication error")
		}
		return
	}
	obs.CountVerification(string(identity.SourceHandshake), "ok")

	a.issueSession(w, r, ident, "auth.handshake.login")
}

func (a *API) handleLink(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleLinkRedeem(w, r)
	case http.MethodPost:
		a.handleLinkIssue(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleLinkRedeem is the browser side of a single-use link: consume
// the token, start a session, land on the app root. Failures redirect
// to the login surface rather than render errors mid-navigation.
func (a *API) handleLinkRedeem(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(identity.LinkTokenParam)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		a.redirectToLogin(w, r, reasonLinkInvalid, false)
		return
	}

	identityID, err := a.links.Redeem(r.Context(), token)
	if err != nil {
		obs.CountLinkToken("redeem", "fail")
		reason := reasonLinkInvalid
		if errors.Is(err, linktoken.ErrExpired) {
			reason = reasonLinkExpired
		}
		a.redirectToLogin(w, r, reason, false)
		return
	}

	ident, err := a.identities.Find(r.Context(), identityID)
	if err != nil || !ident.Active {
		obs.CountLinkToken("redeem", "fail")
		a.redirectToLogin(w, r, reasonLinkInvalid, false)
		return
	}
	obs.CountLinkToken("redeem", "ok")

	tokenStr, expiresAt, err := a.sessions.Issue(*ident)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "session issuance failed")
		return
	}
	http.SetCookie(w, session.NewCookie(tokenStr, expiresAt, session.CookieContextFor(r.Host, requestProto(r))))

	_ = audit.LogEvent(r.Context(), "auth.link.redeemed", map[string]any{
		"identity_id": ident.ID,
		"role":        string(ident.Role),
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type linkIssueRequest struct {
	IdentityID string `json:"identity_id"`
}

type linkIssueResponse struct {
	LinkToken string    `json:"link_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLinkIssue mints a single-use login link for another identity.
// Staff only.
func (a *API) handleLinkIssue(w http.ResponseWriter, r *http.Request) {
	res, err := a.resolver.Resolve(r)
	if err != nil {
		resolveError(w, r, err)
		return
	}
	if !res.IsStaff {
		writeError(w, r, http.StatusForbidden, "staff role required")
		return
	}

	var req linkIssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	targetID := strings.TrimSpace(req.IdentityID)
	if targetID == "" {
		writeError(w, r, http.StatusBadRequest, "identity_id is required")
		return
	}

	target, err := a.identities.Find(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "identity not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !target.Active {
		writeError(w, r, http.StatusConflict, "identity is deactivated")
		return
	}

	token, expiresAt, err := a.links.Issue(r.Context(), target.ID)
	if err != nil {
		obs.CountLinkToken("issue", "fail")
		writeError(w, r, http.StatusInternalServerError, "link issuance failed")
		return
	}
	obs.CountLinkToken("issue", "ok")

	_ = audit.LogEvent(r.Context(), "auth.link.issued", map[string]any{
		"target_identity_id": target.ID,
		"expires_at":         expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, linkIssueResponse{
		LinkToken: token,
		ExpiresAt: expiresAt,
	})
}

// handleLogout rotates the identity's revocation stamp, which kills
// every outstanding session for it, then clears the cookie.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	res, err := a.resolver.Resolve(r)
	if err != nil {
		resolveError(w, r, err)
		return
	}

	if _, err := a.identities.RotateStamp(r.Context(), res.Identity.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	http.SetCookie(w, session.ClearCookie(session.CookieContextFor(r.Host, requestProto(r))))

	_ = audit.LogEvent(r.Context(), "auth.session.revoked", map[string]any{
		"identity_id": res.Identity.ID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "revoked",
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	res, err := a.resolver.Resolve(r)
	if err != nil {
		resolveError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity":           res.Identity,
		"is_staff":           res.IsStaff,
		"is_tenant_operator": res.IsTenantOperator,
	})
}

// handleLogin renders the minimal login surface. The reason parameter
// is matched against the closed vocabulary; anything else falls back to
// the generic prompt.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	message, ok := knownReasons[r.URL.Query().Get("reason")]
	if !ok {
		message = knownReasons[reasonAuthRequired]
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<p>%s</p>
<p>Open this app from the chat client to sign in automatically.</p>
</body>
</html>
`, html.EscapeString(message))
}

// issueSession mints a token for ident, sets the cookie and writes the
// session response. event names the audit record.
func (a *API) issueSession(w http.ResponseWriter, r *http.Request, ident identity.Identity, event string) {
	token, expiresAt, err := a.sessions.Issue(ident)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "session issuance failed")
		return
	}
	http.SetCookie(w, session.NewCookie(token, expiresAt, session.CookieContextFor(r.Host, requestProto(r))))

	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"identity_id": ident.ID,
		"role":        string(ident.Role),
		"expires_at":  expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Identity:  ident,
	})
}
