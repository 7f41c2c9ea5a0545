package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hkit.org/internal/auth"
	"hkit.org/internal/domain"
	"hkit.org/internal/registration"
)

type submitRequest struct {
	Type domain.RequestType `json:"type"`
	Data map[string]string  `json:"data"`
}

type approveRequest struct {
	Email             string      `json:"email"`
	DisplayName       string      `json:"display_name"`
	Role              domain.Role `json:"role"`
	TemporaryPassword string      `json:"temporary_password"`
}

func (a *API) submitRegistration(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.deps.Intake.Submit(r.Context(), req.Type, req.Data)
	if err != nil {
		var subErr *domain.SubmissionError
		if errors.As(err, &subErr) {
			writeError(w, r, http.StatusServiceUnavailable, "registration could not be submitted, please try again")
			return
		}
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listRegistrations(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.SessionFromContext(r.Context())
	pending, err := a.deps.Workflow.ListPending(r.Context(), actor)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registrations": nonNil(pending)})
}

// approveRegistration accepts an empty body; every field defaults from the
// stored request.
func (a *API) approveRegistration(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Role != domain.RoleNone {
		role, ok := domain.ParseRole(string(body.Role))
		if !ok {
			writeError(w, r, http.StatusBadRequest, "unknown role")
			return
		}
		body.Role = role
	}
	actor, _ := auth.SessionFromContext(r.Context())
	res, err := a.deps.Workflow.Approve(r.Context(), actor, registration.ApproveInput{
		RequestID:         chi.URLParam(r, "id"),
		Email:             body.Email,
		DisplayName:       body.DisplayName,
		Role:              body.Role,
		TemporaryPassword: body.TemporaryPassword,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) rejectRegistration(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.SessionFromContext(r.Context())
	req, err := a.deps.Workflow.Reject(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
