package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/prudhvinik1/livesync/internal/models"
)

const maxBulkUsers = 500

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	snap, err := s.hub.Snapshots.Snapshot(r.Context(), topic, limit)
	if err != nil {
		s.logger.Warn("snapshot_failed",
			zap.String("topic", topic),
			zap.String("user_id", userFromContext(r.Context())),
			zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, s.hub.UserPresence(r.Context(), userID))
}

type bulkPresenceRequest struct {
	UserIDs []string `json:"user_ids"`
}

type bulkPresenceResponse struct {
	Statuses map[string]models.PresenceStatus `json:"statuses"`
}

func (s *Server) handleBulkPresence(w http.ResponseWriter, r *http.Request) {
	var req bulkPresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.UserIDs) > maxBulkUsers {
		writeError(w, http.StatusBadRequest, "too many user ids")
		return
	}
	writeJSON(w, http.StatusOK, bulkPresenceResponse{Statuses: s.hub.BulkStatus(r.Context(), req.UserIDs)})
}

type publishRequest struct {
	Topic      string            `json:"topic"`
	Kind       models.ChangeKind `json:"kind"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Payload    json.RawMessage   `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := s.hub.Fanout.Publish(r.Context(), req.Topic, req.Kind, req.EntityType, req.EntityID, req.Payload)
	if err != nil {
		s.logger.Warn("publish_failed", zap.String("topic", req.Topic), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, expiresAt, err := s.hub.Auth.IssueToken(req.UserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sessions, err := s.hub.UserSessions(r.Context(), userID)
	if err != nil {
		s.logger.Error("list_sessions_failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, statusFor(err), "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}
