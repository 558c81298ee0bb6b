package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"reviewdesk/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig configures a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to the live API; tests point it at httptest
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API through BaseClient. It creates
// checkout sessions and reads checkout line items for the reconciler's
// cross-check.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient using base for transport.
func NewStripeClient(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeBaseClient returns the BaseClient settings used for Stripe.
func NewStripeBaseClient(httpClient *http.Client, opts ...BaseClientOption) *BaseClient {
	return NewBaseClient(httpClient, BaseClientConfig{
		Name:         "stripe",
		UpstreamCode: types.ErrCodeUpstreamStripe,
		Retry:        DefaultRetryPolicy(),
		UserAgent:    "reviewdesk/1.0",
	}, opts...)
}

// CheckoutRequest describes a subscription checkout for one account.
type CheckoutRequest struct {
	AccountID     string
	CustomerEmail string
	CustomerRef   string // existing Stripe customer, if any
	Plan          types.PlanID
	PriceID       string
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is the part of a created session the API returns.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession creates a subscription-mode Checkout Session. The
// account and plan are written to metadata and client_reference_id so the
// completion webhook can be attributed.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", req.AccountID)
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)
	params.Set("metadata[account_id]", req.AccountID)
	params.Set("metadata[plan_id]", string(req.Plan))
	params.Set("subscription_data[metadata][account_id]", req.AccountID)
	params.Set("line_items[0][price]", req.PriceID)
	params.Set("line_items[0][quantity]", "1")
	if req.CustomerRef != "" {
		params.Set("customer", req.CustomerRef)
	} else if req.CustomerEmail != "" {
		params.Set("customer_email", req.CustomerEmail)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode checkout session", err)
	}
	return &session, nil
}

// CheckoutPrice returns the price ID of the first line item of a completed
// checkout session. It implements billing.LineItemSource.
func (s *StripeClient) CheckoutPrice(ctx context.Context, sessionID string) (string, error) {
	params := url.Values{}
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/checkout/sessions/"+url.PathEscape(sessionID)+"/line_items", params)
	if err != nil {
		return "", s.wrapError("CheckoutPrice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CheckoutPrice")
	}

	var items stripe.LineItemList
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode checkout line items", err)
	}
	if len(items.Data) == 0 || items.Data[0].Price == nil || items.Data[0].Price.ID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("checkout session %s has no priced line items", sessionID), nil)
	}
	return items.Data[0].Price.ID, nil
}

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// handleErrorResponse maps a non-200 Stripe response to an AppError.
// Invalid-request errors on our side surface as validation errors; the rest
// are upstream failures.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var se stripeErrorResponse
	if err := json.Unmarshal(body, &se); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode), err)
	}

	s.logger.Warn("stripe request rejected",
		"operation", operation,
		"status", resp.StatusCode,
		"stripe_type", se.Error.Type,
		"stripe_code", se.Error.Code,
	)

	details := map[string]any{"stripe_type": se.Error.Type, "stripe_code": se.Error.Code}
	if resp.StatusCode == http.StatusBadRequest && se.Error.Type == "invalid_request_error" {
		details["param"] = se.Error.Param
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput,
			fmt.Sprintf("%s: %s", operation, se.Error.Message), nil, details)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, se.Error.Message), nil, details)
}

func (s *StripeClient) wrapError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, fmt.Sprintf("%s: Stripe request failed", operation), err)
}

// ---------------------------------------------------------------------------
// Webhook verification and parsing
// ---------------------------------------------------------------------------

// WebhookVerifier checks a webhook payload against its signature header.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier verifies Stripe-Signature headers (HMAC-SHA256 with
// timestamp tolerance) using stripe-go.
type StripeVerifier struct{}

func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

// Stripe event types the service maps to billing events.
const (
	StripeEventCheckoutCompleted   = "checkout.session.completed"
	StripeEventSubscriptionUpdated = "customer.subscription.updated"
	StripeEventSubscriptionDeleted = "customer.subscription.deleted"
)

// ParseStripeEvent maps a verified Stripe webhook body to a BillingEvent.
// Event types outside the three handled ones map to EventUnhandled with
// ProviderType set. An error means the body is not a decodable event.
func ParseStripeEvent(payload []byte) (types.BillingEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return types.BillingEvent{}, fmt.Errorf("decode stripe event: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return types.BillingEvent{}, fmt.Errorf("stripe event is missing id or type")
	}

	out := types.BillingEvent{
		ID:           ev.ID,
		Type:         types.EventUnhandled,
		ProviderType: string(ev.Type),
		CreatedAt:    time.Unix(ev.Created, 0).UTC(),
		Payload:      json.RawMessage(payload),
	}

	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	switch string(ev.Type) {
	case StripeEventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return types.BillingEvent{}, fmt.Errorf("decode checkout session: %w", err)
		}
		out.Type = types.EventCheckoutCompleted
		out.SessionID = session.ID
		out.AccountID = firstNonEmpty(session.Metadata["account_id"], session.ClientReferenceID, session.Metadata["userId"])
		out.PlanID = firstNonEmpty(session.Metadata["plan_id"], session.Metadata["planId"])
		if session.Customer != nil {
			out.CustomerRef = session.Customer.ID
		}

	case StripeEventSubscriptionUpdated, StripeEventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return types.BillingEvent{}, fmt.Errorf("decode subscription: %w", err)
		}
		out.Type = types.EventSubscriptionUpdated
		if string(ev.Type) == StripeEventSubscriptionDeleted {
			out.Type = types.EventSubscriptionCanceled
		}
		if sub.Customer != nil {
			out.CustomerRef = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			out.PriceRef = sub.Items.Data[0].Price.ID
		}
	}

	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
