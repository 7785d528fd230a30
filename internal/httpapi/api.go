// Package httpapi is the edge of the gateway: route classification,
// credential gating, login endpoints and operational handlers.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/chrisdanielwise/miniapp-gateway/internal/config"
	"github.com/chrisdanielwise/miniapp-gateway/internal/identity"
	"github.com/chrisdanielwise/miniapp-gateway/internal/linktoken"
	"github.com/chrisdanielwise/miniapp-gateway/internal/obs"
	"github.com/chrisdanielwise/miniapp-gateway/internal/session"
)

// ReadyProbe checks readiness of the backing store.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the collaborators the API needs.
type Options struct {
	ReadyProbe  ReadyProbe
	Version     string
	LoginPath   string
	Sessions    *session.Service
	Links       *linktoken.Service
	Identities  identity.Store
	Resolver    *identity.Resolver
	Provisioner *identity.Provisioner
	RateLimit   config.RateLimit
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	readyProbe  ReadyProbe
	version     string
	loginPath   string
	sessions    *session.Service
	links       *linktoken.Service
	identities  identity.Store
	resolver    *identity.Resolver
	provisioner *identity.Provisioner
	rateLimit   config.RateLimit
	rules       []routeRule
}

func New(opts Options) *API {
	loginPath := opts.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  opts.ReadyProbe,
		version:     opts.Version,
		loginPath:   loginPath,
		sessions:    opts.Sessions,
		links:       opts.Links,
		identities:  opts.Identities,
		resolver:    opts.Resolver,
		provisioner: opts.Provisioner,
		rateLimit:   opts.RateLimit,
	}
	a.rules = defaultRules(loginPath)

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc(loginPath, a.handleLogin)
	a.mux.HandleFunc("/v1/auth/miniapp", a.handleMiniappLogin)
	a.mux.HandleFunc("/v1/auth/link", a.handleLink)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux. The gatekeeper
// sits innermost so every request has already been assigned a request id
// and is rate limited before credential logic runs.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.Gate(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateLimit.Burst, a.rateLimit.PerSecond)
	h = LoggingJSON(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return obs.Instrument(h)
}
