package httpapi

import (
	"net/http"
	"strings"

	"hkit.org/internal/audit"
	"hkit.org/internal/auth"
	"hkit.org/internal/domain"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	Tokens  auth.Tokens  `json:"tokens"`
	Session auth.Session `json:"session"`
	Landing string       `json:"landing"`
}

type sessionResponse struct {
	Session auth.Session `json:"session"`
	Landing string       `json:"landing"`
}

type navigationResponse struct {
	Landing  string         `json:"landing"`
	Path     string         `json:"path,omitempty"`
	Decision *auth.Decision `json:"decision,omitempty"`
	Pages    []string       `json:"pages"`
}

func (a *API) signUp(w http.ResponseWriter, r *http.Request) {
	var req auth.SignUpInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role != domain.RoleNone {
		role, ok := domain.ParseRole(string(req.Role))
		if !ok {
			writeError(w, r, http.StatusBadRequest, "unknown role")
			return
		}
		req.Role = role
	}
	identity, err := a.deps.Provider.SignUp(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.signup", map[string]any{
		"identity_id": identity.ID,
		"role":        string(req.Role),
	})
	writeJSON(w, http.StatusCreated, identity)
}

// signIn authenticates and resolves the profile before answering so the
// console can route straight to the landing page.
func (a *API) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	tokens, identity, err := a.deps.Provider.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.signin.failed", map[string]any{"email": strings.ToLower(strings.TrimSpace(req.Email))})
		handleDomainError(w, r, err)
		return
	}
	session := a.deps.Resolver.Resolve(r.Context(), identity)
	_ = audit.LogEvent(auth.ContextWithSession(r.Context(), session), "auth.signin", map[string]any{
		"state": string(session.State),
		"role":  string(session.Role()),
	})
	writeJSON(w, http.StatusOK, signInResponse{Tokens: tokens, Session: session, Landing: auth.LandingPath(session)})
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	tokens, err := a.deps.Provider.Refresh(r.Context(), token)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *API) signOut(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.deps.Provider.SignOut(r.Context(), token); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.signout", nil)
	w.WriteHeader(http.StatusNoContent)
}

// session re-runs the full resolution while provisioning is still pending.
func (a *API) session(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())
	if session.State != auth.StateResolved && session.Identity != nil {
		session = a.deps.Resolver.Resolve(r.Context(), *session.Identity)
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, Landing: auth.LandingPath(session)})
}

// navigation evaluates the console page table for the caller. It is public:
// a signed-out caller gets the sign-in redirect.
func (a *API) navigation(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())
	resp := navigationResponse{Landing: auth.LandingPath(session), Pages: []string{}}
	for _, page := range a.pages.Routes() {
		if auth.Check(session, page).Allowed() {
			resp.Pages = append(resp.Pages, page.Path)
		}
	}
	if path := strings.TrimSpace(r.URL.Query().Get("path")); path != "" {
		d := a.pages.Evaluate(session, path)
		resp.Path = path
		resp.Decision = &d
	}
	writeJSON(w, http.StatusOK, resp)
}
