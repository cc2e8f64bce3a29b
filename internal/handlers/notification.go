package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/notification"
	"github.com/stanstork/notifyd/internal/repository"
)

// NotificationHandler serves the authenticated user's own inbox.
type NotificationHandler struct {
	service notification.Service
	logger  zerolog.Logger
}

func NewNotificationHandler(service notification.Service, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("handler", "notification").Logger(),
	}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	filter := models.NotificationFilter{
		UserID:   userID,
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 20),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		category, ok := models.ParseCategory(raw)
		if !ok {
			http.Error(w, "Unknown category", http.StatusBadRequest)
			return
		}
		filter.Category = category
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("unread_only")); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "unread_only must be a boolean", http.StatusBadRequest)
			return
		}
		filter.UnreadOnly = unread
	}

	page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list notifications")
		http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	count, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to count unread notifications")
		http.Error(w, "Failed to count notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unread_count": count})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	notifID := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if notifID == "" {
		http.Error(w, "Notification ID is required", http.StatusBadRequest)
		return
	}

	readAt, err := h.service.MarkRead(r.Context(), userID, notifID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Notification not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("notification_id", notifID).Msg("failed to mark notification as read")
		http.Error(w, "Failed to update notification", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notification_id": notifID,
		"read_at":         readAt,
	})
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	updated, readAt, err := h.service.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to mark all notifications as read")
		http.Error(w, "Failed to update notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": updated, "read_at": readAt})
}

func (h *NotificationHandler) MarkBatchRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var payload struct {
		NotificationIDs []string `json:"notification_ids"`
	}
	if !decodeJSON(r, &payload, false) {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	updated, readAt, err := h.service.MarkBatchRead(r.Context(), userID, payload.NotificationIDs)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Int("ids", len(payload.NotificationIDs)).Msg("failed to mark notifications as read")
		http.Error(w, "Failed to update notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": updated, "read_at": readAt})
}
