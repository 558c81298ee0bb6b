package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/billing"
	"reviewdesk/internal/config"
	"reviewdesk/internal/core"
	"reviewdesk/internal/external"
	"reviewdesk/internal/types"
)

// CheckoutCreator opens a payment-provider checkout session.
// *external.StripeClient implements it.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, req external.CheckoutRequest) (*external.CheckoutSession, error)
}

// PriceLookup returns the price that sells a plan. *billing.PriceMap
// implements it.
type PriceLookup interface {
	PriceFor(plan types.PlanID) (string, bool)
}

// AccountReader loads the authenticated account.
type AccountReader interface {
	GetByID(ctx context.Context, id string) (*types.Account, error)
}

// CreateCheckoutRequest is the body of POST /v1/billing/checkout.
//
// Redirect URLs are not accepted from the client; they come from
// configuration to avoid open redirects.
type CreateCheckoutRequest struct {
	PlanID types.PlanID `json:"plan_id" validate:"required"`
}

// CheckoutResponse is returned by POST /v1/billing/checkout.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// BillingHandler starts plan purchases. The plan change itself is applied
// later by the webhook.
type BillingHandler struct {
	checkout   CheckoutCreator
	prices     PriceLookup
	accounts   AccountReader
	catalog    *billing.Catalog
	validator  *core.Validator
	successURL string
	cancelURL  string
	logger     *slog.Logger
}

func NewBillingHandler(
	checkout CheckoutCreator,
	prices PriceLookup,
	accounts AccountReader,
	catalog *billing.Catalog,
	cfg *config.Config,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	h := &BillingHandler{
		checkout:  checkout,
		prices:    prices,
		accounts:  accounts,
		catalog:   catalog,
		validator: v,
		logger:    l,
	}
	if cfg != nil {
		h.successURL = cfg.Billing.CheckoutSuccessURL
		h.cancelURL = cfg.Billing.CheckoutCancelURL
	}
	return h
}

func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout", h.CreateCheckoutSession)
}

// CreateCheckoutSession handles POST /v1/billing/checkout:
//  1. Validates the requested plan against the catalog.
//  2. Resolves the plan's price. Plans without a price cannot be bought.
//  3. Creates a subscription checkout tagged with account and plan, reusing
//     the account's customer when one is linked.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if _, err := h.catalog.Get(req.PlanID); err != nil {
		core.Error(w, r, err)
		return
	}

	priceID, ok := h.prices.PriceFor(req.PlanID)
	if !ok {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"plan is not available for purchase", nil,
			map[string]any{"plan": string(req.PlanID)}))
		return
	}

	account, err := h.accounts.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	checkoutReq := external.CheckoutRequest{
		AccountID:     account.ID,
		CustomerEmail: account.Email,
		Plan:          req.PlanID,
		PriceID:       priceID,
		SuccessURL:    h.successURL,
		CancelURL:     h.cancelURL,
	}
	if account.CustomerRef != nil {
		checkoutReq.CustomerRef = *account.CustomerRef
	}

	session, err := h.checkout.CreateCheckoutSession(r.Context(), checkoutReq)
	if err != nil {
		types.LoggerFromContext(r.Context(), h.logger).ErrorContext(r.Context(), "failed to create checkout session",
			"account_id", id,
			"plan", string(req.PlanID),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CheckoutResponse{
		CheckoutURL: session.URL,
		SessionID:   session.ID,
	}})
}
