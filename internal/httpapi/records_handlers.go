package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hkit.org/internal/auth"
	"hkit.org/internal/domain"
)

type facilityStatusRequest struct {
	Status domain.FacilityStatus `json:"status"`
}

func (a *API) dashboard(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.SessionFromContext(r.Context())
	summary, err := a.deps.Records.Dashboard(r.Context(), viewer)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) listFacilities(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.SessionFromContext(r.Context())
	list, err := a.deps.Records.ListFacilities(r.Context(), viewer)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"facilities": nonNil(list)})
}

func (a *API) setFacilityStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body facilityStatusRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := auth.SessionFromContext(r.Context())
	f, err := a.deps.Records.SetFacilityStatus(r.Context(), actor, id, body.Status)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *API) listConsents(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.SessionFromContext(r.Context())
	list, err := a.deps.Records.ListConsentRecords(r.Context(), viewer)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": nonNil(list)})
}

func (a *API) revokeConsent(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.SessionFromContext(r.Context())
	rec, err := a.deps.Records.RevokeConsent(r.Context(), actor, chi.URLParam(r, "patientID"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.SessionFromContext(r.Context())
	list, err := a.deps.Records.ListAuditLogs(r.Context(), viewer)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": nonNil(list)})
}

func (a *API) listMpi(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.SessionFromContext(r.Context())
	list, err := a.deps.Records.ListMpiRecords(r.Context(), viewer)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(list)})
}

func (a *API) listInteropEvents(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.SessionFromContext(r.Context())
	list, err := a.deps.Records.ListInteropEvents(r.Context(), viewer)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(list)})
}

func (a *API) messageDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	viewer, _ := auth.SessionFromContext(r.Context())
	detail, err := a.deps.Records.MessageDetails(r.Context(), viewer, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) dataQuality(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.SessionFromContext(r.Context())
	list, err := a.deps.Records.ListFacilityScores(r.Context(), viewer)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": nonNil(list)})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
