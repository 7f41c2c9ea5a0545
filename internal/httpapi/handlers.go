package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hkit.org/internal/auth"
	"hkit.org/internal/obs"
	"hkit.org/internal/records"
	"hkit.org/internal/registration"
)

// ReadyProbe reports whether the backing store answers.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Deps are the services the HTTP layer routes to.
type Deps struct {
	Ready    ReadyProbe
	Provider auth.IdentityProvider
	Resolver *auth.Resolver
	Watcher  *auth.SessionWatcher
	Intake   *registration.Intake
	Workflow *registration.Workflow
	Records  *records.Service
}

func (d Deps) validate() error {
	var missing []string
	if d.Provider == nil {
		missing = append(missing, "provider")
	}
	if d.Resolver == nil {
		missing = append(missing, "resolver")
	}
	if d.Intake == nil {
		missing = append(missing, "intake")
	}
	if d.Workflow == nil {
		missing = append(missing, "workflow")
	}
	if d.Records == nil {
		missing = append(missing, "records")
	}
	if len(missing) > 0 {
		return fmt.Errorf("httpapi: missing dependencies %v", missing)
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	deps    Deps
	router  chi.Router
	pages   *auth.Guard
	routes  *auth.Guard
	version string

	ratePerSec   float64
	rateBurst    int
	maxBodyBytes int64
	corsOrigins  []string
	trustProxy   bool
}

type Option func(*API)

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithRateLimit sets the per-IP token bucket for public endpoints.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithCORSOrigins lists allowed browser origins; empty allows local dev origins only.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTrustedProxy takes client addresses from X-Forwarded-For. Enable it only
// behind a reverse proxy that sets the header.
func WithTrustedProxy(trust bool) Option {
	return func(a *API) { a.trustProxy = trust }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// New validates both route tables and builds the router. A handler registered
// without a matching API route declaration is a startup error.
func New(deps Deps, opts ...Option) (*API, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	pages, err := auth.NewGuard(auth.ConsolePages())
	if err != nil {
		return nil, fmt.Errorf("console pages: %w", err)
	}
	routes, err := auth.NewGuard(auth.APIRoutes())
	if err != nil {
		return nil, fmt.Errorf("api routes: %w", err)
	}
	a := &API{
		deps:         deps,
		pages:        pages,
		routes:       routes,
		version:      "dev",
		ratePerSec:   5,
		rateBurst:    10,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.mount(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *API) mount() error {
	r := chi.NewRouter()
	r.Use(ClientAddr(a.trustProxy), RequestID, LoggingJSON, obs.Instrument, SecurityHeaders, CORS(a.corsOrigins), MaxBodyBytes(a.maxBodyBytes))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())
	r.Get("/v1/info", a.Info)

	limited := r.With(RateLimiter(a.rateBurst, a.ratePerSec))
	limited.Post("/v1/auth/signup", a.signUp)
	limited.Post("/v1/auth/signin", a.signIn)
	limited.Post("/v1/registrations", a.submitRegistration)
	r.With(a.authenticate).Get("/v1/navigation", a.navigation)

	var errs []error
	secure := func(method, pattern string, h http.HandlerFunc) {
		if err := a.secure(r, method, pattern, h); err != nil {
			errs = append(errs, err)
		}
	}
	secure(http.MethodPost, "/v1/auth/signout", a.signOut)
	secure(http.MethodPost, "/v1/auth/refresh", a.refresh)
	secure(http.MethodGet, "/v1/auth/session", a.session)
	secure(http.MethodGet, "/v1/auth/session/stream", a.sessionStream)
	secure(http.MethodGet, "/v1/dashboard", a.dashboard)
	secure(http.MethodGet, "/v1/registrations", a.listRegistrations)
	secure(http.MethodPost, "/v1/registrations/{id}/approve", a.approveRegistration)
	secure(http.MethodPost, "/v1/registrations/{id}/reject", a.rejectRegistration)
	secure(http.MethodGet, "/v1/facilities", a.listFacilities)
	secure(http.MethodPut, "/v1/facilities/{id}/status", a.setFacilityStatus)
	secure(http.MethodGet, "/v1/consents", a.listConsents)
	secure(http.MethodPost, "/v1/consents/{patientID}/revoke", a.revokeConsent)
	secure(http.MethodGet, "/v1/audit-logs", a.listAuditLogs)
	secure(http.MethodGet, "/v1/mpi", a.listMpi)
	secure(http.MethodGet, "/v1/interop/events", a.listInteropEvents)
	secure(http.MethodGet, "/v1/interop/events/{id}", a.messageDetails)
	secure(http.MethodGet, "/v1/data-quality", a.dataQuality)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.router = r
	return nil
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "hkit-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Ready.Ping(ctx); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "hkit-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// errUndeclaredRoute is returned by New when a handler has no access declaration.
var errUndeclaredRoute = errors.New("route has no access declaration")
