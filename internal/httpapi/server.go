package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/liverelay/internal/config"
	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/observability"
	"github.com/antoniostano/liverelay/internal/relay"
	"github.com/antoniostano/liverelay/internal/session"
	"github.com/antoniostano/liverelay/internal/vision"
)

// RelayOpener opens live relays for the duplex endpoint.
type RelayOpener interface {
	Open(ctx context.Context, sessionID string) (*relay.Relay, error)
	AdapterName() string
}

// Deps groups the collaborators the HTTP surface serves.
type Deps struct {
	Sessions *session.Manager
	Store    memory.Store
	Relays   RelayOpener
	Vision   vision.Analyzer
	Metrics  *observability.Metrics
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	store    memory.Store
	relays   RelayOpener
	vision   vision.Analyzer
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		store:    deps.Store,
		relays:   deps.Relays,
		vision:   deps.Vision,
		metrics:  deps.Metrics,
		logger:   observability.WithFields("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the serving origin unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/end", s.handleEndSession)
	})
	r.Get("/v1/history", s.handleHistory)
	r.Post("/v1/screenshot", s.handleScreenshot)

	r.Get("/ws/audio-chat/{session_id}", s.handleAudioChat)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "liverelay",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	provider := ""
	if s.relays != nil {
		provider = s.relays.AdapterName()
	}
	storeMode := ""
	if s.store != nil {
		storeMode = s.store.Mode()
	}
	status, code := "ready", http.StatusOK
	if s.relays == nil || s.store == nil {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":        status,
		"upstream":      provider,
		"history_store": storeMode,
		"live_relays":   s.sessions.LiveCount(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondSessionError maps session lookup failures onto HTTP statuses.
func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, string(relay.CodeSessionNotFound), "Session not found")
	case errors.Is(err, session.ErrInactive):
		respondError(w, http.StatusNotFound, string(relay.CodeSessionInactive), "Session not found or inactive")
	case errors.Is(err, session.ErrInvalid):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error("session store failure", "error", err)
		respondError(w, http.StatusServiceUnavailable, string(relay.CodeStoreUnavailable), "Conversation history is unavailable")
	}
}

// handlePerfLatency reports the rolling stage percentiles kept by the
// metrics layer. A nil metrics value yields an empty window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}
