package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"hkit.org/internal/auth"
)

type sessionFrame struct {
	Event   string       `json:"event"`
	Session auth.Session `json:"session"`
	Landing string       `json:"landing"`
}

// sessionStream pushes the caller's resolved session over Server-Sent Events
// whenever the identity provider reports a change for the same identity.
func (a *API) sessionStream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Watcher == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	current, _ := auth.SessionFromContext(r.Context())
	identityID := current.Identity.ID

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.deps.Watcher.Subscribe(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(f sessionFrame) bool {
		payload, err := json.Marshal(f)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
		return true
	}

	if !send(sessionFrame{Event: "current", Session: current, Landing: auth.LandingPath(current)}) {
		return
	}
	for rs := range ch {
		if rs.Event.Identity.ID != identityID {
			continue
		}
		if !send(sessionFrame{Event: string(rs.Event.Kind), Session: rs.Session, Landing: auth.LandingPath(rs.Session)}) {
			return
		}
		if rs.Event.Kind == auth.EventSignedOut {
			return
		}
	}
}
