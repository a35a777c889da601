package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gitlab.com/voxline/services/backend/internal/auth"
	"gitlab.com/voxline/services/backend/internal/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Health(ctx); err != nil {
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"postgres":    s.db.Postgres != nil,
		"redis":       s.db.Redis != nil,
		"archive":     s.storageService != nil,
		"connections": s.hub.ConnectionCount(),
	})
}

type createNotificationRequest struct {
	Type    models.NotificationType `json:"type"`
	Title   string                  `json:"title"`
	Message string                  `json:"message"`
	Pinned  bool                    `json:"pinned"`
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		http.Error(w, "Invalid notification type", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}

	rec := models.NotificationRecord{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Timestamp: time.Now().UTC(),
		Pinned:    req.Pinned,
	}

	if err := s.hub.Notify(r.Context(), claims.AccountID, rec); err != nil {
		log.WithError(err).Warn("Failed to broadcast notification")
		http.Error(w, "Failed to broadcast notification", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(rec)
}
