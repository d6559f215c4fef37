package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/boxdhq/boxd-control-plane/internal/auth"
	"github.com/boxdhq/boxd-control-plane/internal/config"
	"github.com/boxdhq/boxd-control-plane/internal/metrics"
	"github.com/boxdhq/boxd-control-plane/internal/model"
)

type SessionService interface {
	Create(ctx context.Context, userID, tier string, metadata map[string]string) (*model.Session, bool, error)
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	GetStatus(ctx context.Context, sessionID string) (*model.Session, error)
	Terminate(ctx context.Context, sessionID, reason string) (*model.Session, error)
	Progress(sess *model.Session) int
}

type UsageService interface {
	Usage(ctx context.Context, userID string) (*model.UsageEntry, error)
}

type Server struct {
	cfg      config.Config
	sessions SessionService
	usage    UsageService
}

func NewRouter(cfg config.Config, sessions SessionService, usage UsageService) http.Handler {
	s := &Server{cfg: cfg, sessions: sessions, usage: usage}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// The fast path includes a backend health check and a gateway round
	// trip; well under this, but allocation retries can stack up.
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Post("/sessions", s.handleCreateSession)
			authed.Get("/sessions/{sessionID}", s.handleGetSession)
			authed.Delete("/sessions/{sessionID}", s.handleTerminateSession)
			authed.Get("/usage/{userID}", s.handleGetUsage)
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeAPIErrorDetails(w, status, code, message, nil)
}

func writeAPIErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.Details = details
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
