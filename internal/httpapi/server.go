// Package httpapi exposes the session engine to clients: a small REST
// surface for session lifecycle plus a websocket bridge for the live
// audio/text exchange.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lriva/voxbridge/internal/config"
	"github.com/lriva/voxbridge/internal/observability"
	"github.com/lriva/voxbridge/internal/stream"
	"github.com/lriva/voxbridge/internal/tools"
	"github.com/lriva/voxbridge/internal/transcript"
)

type Server struct {
	cfg      config.Config
	engine   *stream.Client
	registry *tools.Registry
	store    transcript.Store
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	pendMu  sync.Mutex
	pending map[string]pendingSession
}

func New(cfg config.Config, engine *stream.Client, registry *tools.Registry, store transcript.Store, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		store:    store,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so a
				// foreign page cannot drive a user's live speech session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/close", s.handleCloseSession)
	r.Get("/v1/sessions/{id}/transcript", s.handleTranscript)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": len(s.engine.ActiveSessionIDs()),
	})
}

type createSessionRequest struct {
	SessionID    string `json:"session_id"`
	SystemPrompt string `json:"system_prompt"`
	VoiceID      string `json:"voice_id"`
}

type createSessionResponse struct {
	SessionID    string `json:"session_id"`
	VoiceID      string `json:"voice_id"`
	SystemPrompt string `json:"system_prompt"`
}

const defaultSystemPrompt = "You are a friendly assistant. The user and you will engage in a " +
	"spoken dialog exchanging the transcripts of a natural real-time conversation. " +
	"Keep your responses short, generally two or three sentences."

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SystemPrompt) == "" {
		req.SystemPrompt = defaultSystemPrompt
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.VoiceID
	}

	sess, err := s.engine.CreateSession(req.SessionID)
	if err != nil {
		if errors.Is(err, stream.ErrDuplicateSession) {
			respondError(w, http.StatusConflict, "duplicate_session", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}

	s.rememberPending(sess.ID(), req.SystemPrompt, req.VoiceID)
	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:    sess.ID(),
		VoiceID:      req.VoiceID,
		SystemPrompt: req.SystemPrompt,
	})
}

type sessionSummary struct {
	SessionID      string    `json:"session_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.engine.ActiveSessionIDs()
	out := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		last, err := s.engine.LastActivity(id)
		if err != nil {
			continue
		}
		out = append(out, sessionSummary{SessionID: id, LastActivityAt: last})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	s.forgetPending(id)
	if err := s.engine.CloseSession(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "closed"})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	turns, err := s.store.SessionTurns(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
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
