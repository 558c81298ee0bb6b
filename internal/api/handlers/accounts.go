package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/billing"
	"reviewdesk/internal/core"
	"reviewdesk/internal/types"
)

// AccountRepo is the account persistence the handlers need.
type AccountRepo interface {
	Create(ctx context.Context, a *types.Account) error
	GetByID(ctx context.Context, id string) (*types.Account, error)
}

// EntitlementReporter summarizes an account's plan against current usage.
type EntitlementReporter interface {
	Entitlements(ctx context.Context, account *types.Account) (billing.Entitlements, error)
}

// CreateAccountRequest is the body of POST /v1/accounts.
type CreateAccountRequest struct {
	Email string       `json:"email" validate:"required,email,max=254"`
	Name  string       `json:"name" validate:"max=200"`
	Plan  types.PlanID `json:"plan"`
}

// AccountHandler registers tenants and reports their entitlements.
type AccountHandler struct {
	repo      AccountRepo
	catalog   *billing.Catalog
	reporter  EntitlementReporter
	validator *core.Validator
	logger    *slog.Logger
}

func NewAccountHandler(
	repo AccountRepo,
	catalog *billing.Catalog,
	reporter EntitlementReporter,
	v *core.Validator,
	l *slog.Logger,
) *AccountHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AccountHandler{
		repo:      repo,
		catalog:   catalog,
		reporter:  reporter,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts account routes. They require an identity.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Post("/accounts", h.Create)
	r.Get("/account", h.Get)
	r.Get("/account/entitlements", h.GetEntitlements)
}

// Create handles POST /v1/accounts. The account id is the caller's
// identity; the plan defaults to starter and no payment is taken.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req CreateAccountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	plan := req.Plan
	if plan == "" {
		plan = types.DefaultPlan
	}
	if _, err := h.catalog.Get(plan); err != nil {
		core.Error(w, r, err)
		return
	}

	account := &types.Account{
		ID:    id,
		Email: strings.ToLower(strings.TrimSpace(req.Email)),
		Name:  strings.TrimSpace(req.Name),
		Plan:  plan,
	}
	if err := h.repo.Create(r.Context(), account); err != nil {
		core.Error(w, r, err)
		return
	}

	types.LoggerFromContext(r.Context(), h.logger).InfoContext(r.Context(), "account registered",
		"account_id", id,
		"plan", string(plan),
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: account})
}

// Get handles GET /v1/account.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	account, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: account})
}

// GetEntitlements handles GET /v1/account/entitlements.
func (h *AccountHandler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	account, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	ent, err := h.reporter.Entitlements(r.Context(), account)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ent})
}
