package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/broadcast"
	"github.com/stanstork/notifyd/internal/delivery"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/notification"
	"github.com/stanstork/notifyd/internal/repository"
)

// BroadcastManager is the slice of broadcast.Manager the admin API drives.
type BroadcastManager interface {
	Submit(ctx context.Context, req broadcast.CreateRequest) (models.Broadcast, bool, error)
	Get(ctx context.Context, id string) (models.Broadcast, error)
	List(ctx context.Context, filter models.BroadcastFilter) ([]models.Broadcast, int, error)
	Delete(ctx context.Context, id string) (models.Broadcast, error)
	Resend(ctx context.Context, id, idempotencyKey string, createdBy *string) (models.Broadcast, bool, error)
}

type AdminHandler struct {
	broadcasts    BroadcastManager
	notifications notification.Service
	logger        zerolog.Logger
}

func NewAdminHandler(broadcasts BroadcastManager, notifications notification.Service, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		broadcasts:    broadcasts,
		notifications: notifications,
		logger:        logger.With().Str("handler", "admin").Logger(),
	}
}

func (h *AdminHandler) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IdempotencyKey string         `json:"idempotency_key"`
		Title          string         `json:"title"`
		Body           string         `json:"body"`
		Category       string         `json:"category"`
		Data           map[string]any `json:"data"`
		PersistPolicy  string         `json:"persist_policy"`
		TargetUserIDs  []string       `json:"target_user_ids"`
	}
	if !decodeJSON(r, &payload, false) {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	b, created, err := h.broadcasts.Submit(r.Context(), broadcast.CreateRequest{
		IdempotencyKey: payload.IdempotencyKey,
		Title:          payload.Title,
		Body:           payload.Body,
		Category:       models.NotificationCategory(payload.Category),
		Data:           payload.Data,
		PersistPolicy:  models.PersistPolicy(payload.PersistPolicy),
		TargetUserIDs:  payload.TargetUserIDs,
		CreatedBy:      requesterID(r),
	})
	if err != nil {
		h.writeBroadcastError(w, err, "failed to create broadcast")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, b)
}

func (h *AdminHandler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	filter := models.BroadcastFilter{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 20),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := models.ParseBroadcastStatus(strings.ToUpper(raw))
		if !ok {
			http.Error(w, "Unknown broadcast status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	filter.Normalize()

	broadcasts, total, err := h.broadcasts.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list broadcasts")
		http.Error(w, "Failed to list broadcasts", http.StatusInternalServerError)
		return
	}
	if broadcasts == nil {
		broadcasts = []models.Broadcast{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"broadcasts": broadcasts,
		"total":      total,
		"page":       filter.Page,
		"page_size":  filter.PageSize,
	})
}

func (h *AdminHandler) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := h.broadcasts.Get(r.Context(), mux.Vars(r)["broadcastID"])
	if err != nil {
		h.writeBroadcastError(w, err, "failed to load broadcast")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AdminHandler) DeleteBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := h.broadcasts.Delete(r.Context(), mux.Vars(r)["broadcastID"])
	if err != nil {
		h.writeBroadcastError(w, err, "failed to delete broadcast")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AdminHandler) ResendBroadcast(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if !decodeJSON(r, &payload, true) {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	b, created, err := h.broadcasts.Resend(r.Context(), mux.Vars(r)["broadcastID"], payload.IdempotencyKey, requesterID(r))
	if err != nil {
		h.writeBroadcastError(w, err, "failed to resend broadcast")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, b)
}

// SendNotification delivers a single notification to one user.
func (h *AdminHandler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID        string         `json:"user_id"`
		Category      string         `json:"category"`
		Title         string         `json:"title"`
		Body          string         `json:"body"`
		Data          map[string]any `json:"data"`
		PersistPolicy string         `json:"persist_policy"`
	}
	if !decodeJSON(r, &payload, false) {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	msg, err := h.notifications.Publish(r.Context(), notification.Event{
		UserID:   payload.UserID,
		Category: models.NotificationCategory(payload.Category),
		Title:    payload.Title,
		Body:     payload.Body,
		Data:     payload.Data,
		Policy:   models.PersistPolicy(payload.PersistPolicy),
	})
	if err != nil {
		if errors.Is(err, notification.ErrInvalidEvent) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Str("user_id", payload.UserID).Msg("failed to send notification")
		http.Error(w, "Failed to send notification", http.StatusInternalServerError)
		return
	}
	status := http.StatusAccepted
	if msg.Persisted {
		status = http.StatusCreated
	}
	writeJSON(w, status, msg)
}

// PublishChannelEvent pushes a game or room event to every subscriber of the
// channel, on whichever instance they are connected to.
func (h *AdminHandler) PublishChannelEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key, ok := delivery.ChannelKey(vars["kind"], strings.TrimSpace(vars["channelID"]))
	if !ok {
		http.Error(w, "Unknown channel", http.StatusNotFound)
		return
	}
	var payload struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if !decodeJSON(r, &payload, false) {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if payload.Data == nil {
		payload.Data = map[string]any{}
	}

	if err := h.notifications.PublishChannelEvent(r.Context(), key, payload.Type, payload.Data); err != nil {
		if errors.Is(err, notification.ErrInvalidEvent) {
			http.Error(w, "Event type is required", http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Str("routing_key", key).Msg("failed to publish channel event")
		http.Error(w, "Failed to publish event", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"routing_key": key,
		"type":        strings.TrimSpace(payload.Type),
	})
}

func (h *AdminHandler) writeBroadcastError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "Broadcast not found", http.StatusNotFound)
	case errors.Is(err, broadcast.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, broadcast.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error().Err(err).Msg(msg)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func requesterID(r *http.Request) *string {
	if uid, ok := authz.UserIDFromRequest(r); ok {
		return &uid
	}
	return nil
}
