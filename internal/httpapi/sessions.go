package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/liverelay/internal/session"
)

type createSessionResponse struct {
	session.View
	WebSocketPath    string `json:"websocket_path"`
	InactivityTTLMS  int64  `json:"inactivity_ttl_ms"`
	UpstreamProvider string `json:"upstream_provider"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(r.Context(), req)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	s.metrics.ObserveSessionEvent("created")

	view, err := s.sessions.View(r.Context(), sess.ID)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	provider := ""
	if s.relays != nil {
		provider = s.relays.AdapterName()
	}
	respondJSON(w, http.StatusCreated, createSessionResponse{
		View:             view,
		WebSocketPath:    "/ws/audio-chat/" + sess.ID,
		InactivityTTLMS:  s.cfg.RelayInactivityTimeout.Milliseconds(),
		UpstreamProvider: provider,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("active")), "true")
	views, err := s.sessions.List(r.Context(), activeOnly)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"count":    len(views),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	view, err := s.sessions.View(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if _, err := s.sessions.End(r.Context(), id); err != nil {
		s.respondSessionError(w, err)
		return
	}
	s.metrics.ObserveSessionEvent("ended")

	view, err := s.sessions.View(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}
