package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/core"
	"reviewdesk/internal/types"
)

const (
	defaultNotificationLimit = 10
	maxNotificationLimit     = 100
)

// NotificationRepo is the notification persistence the handler needs.
type NotificationRepo interface {
	List(ctx context.Context, accountID string, limit int) ([]*types.Notification, error)
	SetRead(ctx context.Context, accountID, id string, isRead bool) error
	Delete(ctx context.Context, accountID, id string) error
}

// UpdateNotificationRequest is the body of PATCH /v1/notifications/{id}.
type UpdateNotificationRequest struct {
	IsRead *bool `json:"is_read" validate:"required"`
}

// NotificationHandler serves the in-app notification feed.
type NotificationHandler struct {
	repo      NotificationRepo
	validator *core.Validator
}

func NewNotificationHandler(repo NotificationRepo, v *core.Validator) *NotificationHandler {
	return &NotificationHandler{repo: repo, validator: v}
}

func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", h.List)
	r.Patch("/notifications/{id}", h.Update)
	r.Delete("/notifications/{id}", h.Delete)
}

// List handles GET /v1/notifications?limit=, newest first.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	limit, err := core.QueryLimit(r, defaultNotificationLimit, maxNotificationLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	out, err := h.repo.List(r.Context(), id, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.List(w, r, out)
}

// Update handles PATCH /v1/notifications/{id}.
func (h *NotificationHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req UpdateNotificationRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	notificationID := chi.URLParam(r, "id")
	if err := h.repo.SetRead(r.Context(), id, notificationID, *req.IsRead); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"id":      notificationID,
		"is_read": *req.IsRead,
	}})
}

// Delete handles DELETE /v1/notifications/{id}.
func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id, chi.URLParam(r, "id")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
