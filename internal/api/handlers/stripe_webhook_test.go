package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82/webhook"

	"reviewdesk/internal/billing"
	"reviewdesk/internal/external"
	"reviewdesk/internal/types"
)

const testWebhookSecret = "whsec_test_secret"

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type mockReconciler struct {
	events []types.BillingEvent
	result billing.Result
}

func (m *mockReconciler) Reconcile(ctx context.Context, ev types.BillingEvent) billing.Result {
	m.events = append(m.events, ev)
	if m.result.Outcome == "" {
		return billing.Result{Outcome: types.OutcomeApplied, AccountID: ev.AccountID}
	}
	return m.result
}

type mockDeadLetterSink struct {
	records []*types.DeadLetter
	err     error
}

func (m *mockDeadLetterSink) Record(ctx context.Context, dl *types.DeadLetter) error {
	m.records = append(m.records, dl)
	return m.err
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

func buildStripeEvent(eventType, eventID string, created int64, dataObject any) []byte {
	objBytes, _ := json.Marshal(dataObject)
	event := map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": created,
		"data": map[string]any{
			"object": json.RawMessage(objBytes),
		},
	}
	b, _ := json.Marshal(event)
	return b
}

func buildCheckoutEvent(accountID, plan string, created int64) []byte {
	return buildStripeEvent(external.StripeEventCheckoutCompleted, "evt_checkout_1", created, map[string]any{
		"id":                  "cs_test_1",
		"object":              "checkout.session",
		"client_reference_id": accountID,
		"customer":            "cus_123",
		"metadata": map[string]string{
			"account_id": accountID,
			"plan_id":    plan,
		},
	})
}

func signPayload(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func newTestWebhookHandler(rec *mockReconciler, sink billing.DeadLetterSink) *StripeWebhookHandler {
	return NewStripeWebhookHandler(&external.StripeVerifier{}, rec, sink, testWebhookSecret, testLogger())
}

func postWebhook(h *StripeWebhookHandler, payload []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	return rr
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStripeWebhook_CheckoutCompleted(t *testing.T) {
	rec := &mockReconciler{}
	h := newTestWebhookHandler(rec, nil)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix()
	payload := buildCheckoutEvent("acct_1", "advanced", created)

	rr := postWebhook(h, payload, signPayload(payload, testWebhookSecret))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != `{"received":true}` {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 reconciled event, got %d", len(rec.events))
	}

	ev := rec.events[0]
	if ev.Type != types.EventCheckoutCompleted {
		t.Errorf("expected checkout_completed, got %s", ev.Type)
	}
	if ev.AccountID != "acct_1" || ev.PlanID != "advanced" || ev.CustomerRef != "cus_123" {
		t.Errorf("unexpected event fields: %+v", ev)
	}
	if !ev.CreatedAt.Equal(time.Unix(created, 0)) {
		t.Errorf("expected created %v, got %v", time.Unix(created, 0), ev.CreatedAt)
	}
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	rec := &mockReconciler{}
	h := newTestWebhookHandler(rec, nil)

	rr := postWebhook(h, buildCheckoutEvent("acct_1", "advanced", time.Now().Unix()), "")

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if len(rec.events) != 0 {
		t.Error("reconciler must not run without a signature")
	}
}

func TestStripeWebhook_ForgedSignature(t *testing.T) {
	rec := &mockReconciler{}
	sink := &mockDeadLetterSink{}
	h := newTestWebhookHandler(rec, sink)

	payload := buildCheckoutEvent("acct_1", "advanced", time.Now().Unix())
	rr := postWebhook(h, payload, signPayload(payload, "whsec_attacker"))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Error.Code != string(types.ErrCodeAuthSignatureInvalid) {
		t.Errorf("expected %s, got %s", types.ErrCodeAuthSignatureInvalid, resp.Error.Code)
	}
	if len(rec.events) != 0 || len(sink.records) != 0 {
		t.Error("forged events must have no side effects")
	}
}

func TestStripeWebhook_TamperedBody(t *testing.T) {
	rec := &mockReconciler{}
	h := newTestWebhookHandler(rec, nil)

	payload := buildCheckoutEvent("acct_1", "starter", time.Now().Unix())
	header := signPayload(payload, testWebhookSecret)
	tampered := bytes.Replace(payload, []byte("starter"), []byte("advanced"), 1)

	rr := postWebhook(h, tampered, header)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if len(rec.events) != 0 {
		t.Error("tampered body must not be reconciled")
	}
}

func TestStripeWebhook_BodyTooLarge(t *testing.T) {
	rec := &mockReconciler{}
	h := newTestWebhookHandler(rec, nil)

	payload := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)
	rr := postWebhook(h, payload, "t=1,v1=abc")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if len(rec.events) != 0 {
		t.Error("oversized body must not be reconciled")
	}
}

func TestStripeWebhook_UnparseableEventIsDeadLettered(t *testing.T) {
	rec := &mockReconciler{}
	sink := &mockDeadLetterSink{}
	h := newTestWebhookHandler(rec, sink)

	payload := []byte(`{"object":"event","data":{}}`)
	rr := postWebhook(h, payload, signPayload(payload, testWebhookSecret))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(rec.events) != 0 {
		t.Error("unparseable event must not reach the reconciler")
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(sink.records))
	}
	dl := sink.records[0]
	if dl.Reason != types.ErrCodeEventMalformed || dl.Outcome != types.OutcomeDropped {
		t.Errorf("unexpected dead letter: %+v", dl)
	}
	if string(dl.Payload) != string(payload) {
		t.Errorf("expected raw payload to be kept, got %s", dl.Payload)
	}
}

func TestStripeWebhook_NonJSONBodyStoredAsString(t *testing.T) {
	sink := &mockDeadLetterSink{}
	h := newTestWebhookHandler(&mockReconciler{}, sink)

	payload := []byte("not json at all")
	rr := postWebhook(h, payload, signPayload(payload, testWebhookSecret))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(sink.records))
	}
	if string(sink.records[0].Payload) != `"not json at all"` {
		t.Errorf("unexpected payload %s", sink.records[0].Payload)
	}
}

func TestStripeWebhook_ReconcileFailureStillAcknowledged(t *testing.T) {
	rec := &mockReconciler{result: billing.Result{
		Outcome: types.OutcomeFailed,
		Err:     types.NewAppError(types.ErrCodeInternalDB, "db down", errors.New("conn refused")),
	}}
	h := newTestWebhookHandler(rec, nil)

	payload := buildCheckoutEvent("acct_1", "advanced", time.Now().Unix())
	rr := postWebhook(h, payload, signPayload(payload, testWebhookSecret))

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 even when reconciliation fails, got %d", rr.Code)
	}
	if len(rec.events) != 1 {
		t.Errorf("expected event to be reconciled once, got %d", len(rec.events))
	}
}

func TestStripeWebhook_UnhandledTypeForwarded(t *testing.T) {
	rec := &mockReconciler{result: billing.Result{Outcome: types.OutcomeIgnored}}
	h := newTestWebhookHandler(rec, nil)

	payload := buildStripeEvent("invoice.paid", "evt_inv_1", time.Now().Unix(), map[string]any{"id": "in_1", "object": "invoice"})
	rr := postWebhook(h, payload, signPayload(payload, testWebhookSecret))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(rec.events) != 1 || rec.events[0].Type != types.EventUnhandled {
		t.Errorf("expected unhandled event forwarded, got %+v", rec.events)
	}
	if rec.events[0].ProviderType != "invoice.paid" {
		t.Errorf("expected provider type invoice.paid, got %s", rec.events[0].ProviderType)
	}
}

func TestStripeWebhook_RegisterRoutes(t *testing.T) {
	rec := &mockReconciler{}
	h := newTestWebhookHandler(rec, nil)

	r := chi.NewRouter()
	h.RegisterRoutes(r)

	payload := buildCheckoutEvent("acct_1", "advanced", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, testWebhookSecret))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
