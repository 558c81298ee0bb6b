package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"reviewdesk/internal/core"
	"reviewdesk/internal/types"
)

// BusinessRepo is the business persistence the handler needs.
type BusinessRepo interface {
	Create(ctx context.Context, b *types.Business) error
	ListByAccount(ctx context.Context, accountID string) ([]*types.Business, error)
}

// BusinessLimiter enforces the plan's business cap.
type BusinessLimiter interface {
	CheckBusinessLimit(ctx context.Context, account *types.Account) error
}

// LimitMetrics records plan-gated activity. Optional.
type LimitMetrics interface {
	RecordLimitRejection(code types.ErrorCode, plan types.PlanID)
	RecordAIGeneration(success bool)
}

type nopLimitMetrics struct{}

func (nopLimitMetrics) RecordLimitRejection(types.ErrorCode, types.PlanID) {}
func (nopLimitMetrics) RecordAIGeneration(bool)                            {}

// CreateBusinessRequest is the body of POST /v1/businesses.
type CreateBusinessRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Address string `json:"address" validate:"max=500"`
}

// BusinessHandler manages the businesses an account monitors.
type BusinessHandler struct {
	repo      BusinessRepo
	accounts  AccountReader
	limiter   BusinessLimiter
	metrics   LimitMetrics
	validator *core.Validator
	logger    *slog.Logger
}

func NewBusinessHandler(
	repo BusinessRepo,
	accounts AccountReader,
	limiter BusinessLimiter,
	metrics LimitMetrics,
	v *core.Validator,
	l *slog.Logger,
) *BusinessHandler {
	if l == nil {
		l = slog.Default()
	}
	if metrics == nil {
		metrics = nopLimitMetrics{}
	}
	return &BusinessHandler{
		repo:      repo,
		accounts:  accounts,
		limiter:   limiter,
		metrics:   metrics,
		validator: v,
		logger:    l,
	}
}

func (h *BusinessHandler) RegisterRoutes(r chi.Router) {
	r.Post("/businesses", h.Create)
	r.Get("/businesses", h.List)
}

// Create handles POST /v1/businesses. Accounts at their plan's business cap
// get 403 limit_businesses_exceeded.
func (h *BusinessHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req CreateBusinessRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	account, err := h.accounts.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.limiter.CheckBusinessLimit(r.Context(), account); err != nil {
		if types.IsCode(err, types.ErrCodeLimitBusinesses) {
			h.metrics.RecordLimitRejection(types.ErrCodeLimitBusinesses, account.Plan)
		}
		core.Error(w, r, err)
		return
	}

	business := &types.Business{
		ID:        uuid.NewString(),
		AccountID: id,
		Name:      strings.TrimSpace(req.Name),
		Address:   strings.TrimSpace(req.Address),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.repo.Create(r.Context(), business); err != nil {
		core.Error(w, r, err)
		return
	}

	types.LoggerFromContext(r.Context(), h.logger).InfoContext(r.Context(), "business created",
		"account_id", id,
		"business_id", business.ID,
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: business})
}

// List handles GET /v1/businesses.
func (h *BusinessHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	businesses, err := h.repo.ListByAccount(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.List(w, r, businesses)
}
