// Package handlers contains the HTTP handler implementations for the
// reviewdesk API.
//
// This file implements the Stripe webhook endpoint. It is not behind the
// identity middleware: Stripe calls it directly and authenticity comes from
// the Stripe-Signature header (HMAC-SHA256 over the raw body).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"reviewdesk/internal/billing"
	"reviewdesk/internal/core"
	"reviewdesk/internal/external"
	"reviewdesk/internal/types"
)

// maxWebhookBodySize is the maximum accepted Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// EventReconciler applies a parsed billing event. *billing.Reconciler
// implements it.
type EventReconciler interface {
	Reconcile(ctx context.Context, ev types.BillingEvent) billing.Result
}

// EventParser maps a verified webhook body to a BillingEvent.
type EventParser func(payload []byte) (types.BillingEvent, error)

// StripeWebhookHandler receives Stripe events, authenticates them and hands
// them to the reconciler.
type StripeWebhookHandler struct {
	verifier   external.WebhookVerifier
	parse      EventParser
	reconciler EventReconciler
	sink       billing.DeadLetterSink
	secret     types.SecretString
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. sink receives
// events whose body cannot be parsed and may be nil.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	reconciler EventReconciler,
	sink billing.DeadLetterSink,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		parse:      external.ParseStripeEvent,
		reconciler: reconciler,
		sink:       sink,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. It belongs on the root router,
// outside /v1.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Handle processes one Stripe delivery:
//  1. Reads the body (64 KB limit).
//  2. Verifies Stripe-Signature; failures are 401 with no side effects.
//  3. Parses the event. Bodies that verify but cannot be parsed are
//     dead-lettered.
//  4. Reconciles and acknowledges with 200 {"received":true} whatever the
//     outcome, so Stripe does not retry events we have already recorded.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			logger.WarnContext(ctx, "webhook body too large", "limit", maxWebhookBodySize)
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidInput,
				"webhook payload exceeds 64KB", err))
			return
		}
		logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidInput,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		logger.WarnContext(ctx, "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed", nil))
		return
	}

	ev, err := h.parse(payload)
	if err != nil {
		logger.ErrorContext(ctx, "failed to parse verified webhook event", "error", err)
		h.deadLetterUnparsed(ctx, logger, payload, err)
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
		return
	}

	res := h.reconciler.Reconcile(ctx, ev)
	logger.InfoContext(ctx, "stripe webhook processed",
		"event_id", ev.ID,
		"event_type", ev.ProviderType,
		"outcome", string(res.Outcome),
	)

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}

// deadLetterUnparsed records a verified body that is not a decodable event.
// There is no event to replay, so the raw body is kept (as a JSON string
// when it is not JSON at all).
func (h *StripeWebhookHandler) deadLetterUnparsed(ctx context.Context, logger *slog.Logger, payload []byte, cause error) {
	if h.sink == nil {
		return
	}

	stored := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			logger.ErrorContext(ctx, "failed to encode unparsed webhook body", "error", err)
			return
		}
		stored = quoted
	}

	reason := types.NewAppError(types.ErrCodeEventMalformed, "webhook body is not a valid Stripe event", cause)
	dl := &types.DeadLetter{
		ID:        uuid.NewString(),
		EventType: string(types.EventUnhandled),
		Outcome:   types.OutcomeDropped,
		Reason:    reason.Code,
		Error:     reason.Error(),
		Payload:   stored,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.sink.Record(ctx, dl); err != nil {
		logger.ErrorContext(ctx, "failed to record dead letter for unparsed event", "error", err)
	}
}
