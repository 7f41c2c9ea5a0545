package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"hkit.org/internal/audit"
	"hkit.org/internal/auth"
	"hkit.org/internal/domain"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// authenticate attaches the caller's session. A request without a token
// continues as signed out so the guard can answer with a sign-in redirect.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if errors.Is(err, errMissingToken) {
			ctx := auth.ContextWithSession(r.Context(), auth.Session{State: auth.StateSignedOut})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		identity, err := a.deps.Provider.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, domain.ErrAuthentication) {
				writeDenied(w, r, http.StatusUnauthorized, auth.Decision{Outcome: auth.RedirectSignIn, Location: auth.PathSignIn})
				return
			}
			handleDomainError(w, r, err)
			return
		}
		session, err := a.deps.Resolver.Lookup(r.Context(), identity)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}

		ctx := auth.ContextWithSession(r.Context(), session)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize enforces one declared API route.
func (a *API) authorize(route auth.Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, _ := auth.SessionFromContext(r.Context())
			d := auth.Check(session, route)
			switch d.Outcome {
			case auth.Render:
				next.ServeHTTP(w, r)
			case auth.RedirectSignIn:
				writeDenied(w, r, http.StatusUnauthorized, d)
			default:
				writeDenied(w, r, http.StatusForbidden, d)
			}
		})
	}
}

// secure registers h behind authentication and the declared allow-list.
func (a *API) secure(r chi.Router, method, pattern string, h http.HandlerFunc) error {
	route, ok := a.routes.Route(method + " " + pattern)
	if !ok {
		return fmt.Errorf("%w: %s %s", errUndeclaredRoute, method, pattern)
	}
	r.With(a.authenticate, a.authorize(route)).Method(method, pattern, h)
	return nil
}

func writeDenied(w http.ResponseWriter, r *http.Request, code int, d auth.Decision) {
	msg := "authentication required"
	if code == http.StatusForbidden {
		msg = "role not permitted"
	}
	payload := map[string]any{
		"error":    msg,
		"outcome":  d.Outcome,
		"location": d.Location,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
