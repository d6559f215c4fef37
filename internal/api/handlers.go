package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/boxdhq/boxd-control-plane/internal/auth"
	"github.com/boxdhq/boxd-control-plane/internal/model"
	"github.com/boxdhq/boxd-control-plane/internal/quota"
	"github.com/boxdhq/boxd-control-plane/internal/session"
	"github.com/boxdhq/boxd-control-plane/internal/store"
)

type createSessionRequest struct {
	Tier     string            `json:"tier"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if req.Tier == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "tier is required")
		return
	}

	sess, created, err := s.sessions.Create(r.Context(), userID, req.Tier, req.Metadata)
	if err != nil {
		var exceeded *quota.ExceededError
		switch {
		case errors.Is(err, session.ErrInvalidTier):
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "unknown tier")
		case errors.As(err, &exceeded):
			writeAPIErrorDetails(w, http.StatusForbidden, "quota_exceeded", "monthly usage quota exhausted", map[string]any{
				"consumed_minutes": exceeded.Consumed,
				"quota_minutes":    exceeded.Limit,
				"reset_at":         exceeded.ResetAt.UTC().Format(time.RFC3339),
			})
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"session": s.toSessionResponse(sess)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	// Status polls advance the allocation state machine, so ownership is
	// checked before GetStatus runs.
	curr, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query session")
		return
	}
	if curr.UserID != userID {
		writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	sess, err := s.sessions.GetStatus(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s.toSessionResponse(sess)})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	curr, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query session")
		return
	}
	if curr.UserID != userID {
		writeAPIError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	sess, err := s.sessions.Terminate(r.Context(), sessionID, "user_request")
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to terminate session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s.toSessionResponse(sess)})
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	if chi.URLParam(r, "userID") != userID {
		writeAPIError(w, http.StatusNotFound, "not_found", "usage not found")
		return
	}

	usage, err := s.usage.Usage(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "usage not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":             string(usage.Plan),
		"period":           usage.Period,
		"consumed_minutes": usage.ConsumedMinutes,
		"quota_minutes":    usage.QuotaMinutes,
		"reset_at":         usage.ResetAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) toSessionResponse(sess *model.Session) map[string]any {
	resp := map[string]any{
		"session_id": sess.ID,
		"tier":       string(sess.Tier),
		"status":     string(sess.Status),
		"progress":   s.sessions.Progress(sess),
		"created_at": sess.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
	switch sess.Status {
	case model.SessionReady, model.SessionActive:
		if len(sess.ConnectionInfo) > 0 {
			resp["connection_info"] = json.RawMessage(sess.ConnectionInfo)
		}
		resp["instance_address"] = sess.InstanceAddress
	case model.SessionPending, model.SessionProvisioning:
		resp["retry_after_seconds"] = 5
	case model.SessionError:
		resp["error"] = sess.ErrorReason
	}
	if sess.TerminatedAt != nil {
		resp["terminated_at"] = sess.TerminatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
