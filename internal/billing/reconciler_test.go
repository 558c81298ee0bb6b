package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewdesk/internal/types"
)

// --- Fakes ---

// memAccountStore applies the same time guard as the Postgres repository.
type memAccountStore struct {
	mu        sync.Mutex
	accounts  map[string]*types.Account
	updateErr error
	findErr   error
	updates   int
}

func newMemAccountStore(accounts ...types.Account) *memAccountStore {
	s := &memAccountStore{accounts: make(map[string]*types.Account)}
	for i := range accounts {
		a := accounts[i]
		s.accounts[a.ID] = &a
	}
	return s
}

func (s *memAccountStore) FindByCustomerRef(_ context.Context, ref string) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, a := range s.accounts {
		if a.CustomerRef != nil && *a.CustomerRef == ref {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memAccountStore) FindByID(_ context.Context, id string) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memAccountStore) UpdatePlan(_ context.Context, id string, plan types.PlanID, customerRef *string, eventTime time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return false, s.updateErr
	}
	a, ok := s.accounts[id]
	if !ok {
		return false, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	if a.LastBillingEventAt != nil && eventTime.Before(*a.LastBillingEventAt) {
		return false, nil
	}
	a.Plan = plan
	if customerRef != nil {
		ref := *customerRef
		a.CustomerRef = &ref
	}
	t := eventTime
	a.LastBillingEventAt = &t
	s.updates++
	return true, nil
}

func (s *memAccountStore) get(id string) types.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

type recordingSink struct {
	letters []*types.DeadLetter
	err     error
}

func (s *recordingSink) Record(_ context.Context, dl *types.DeadLetter) error {
	s.letters = append(s.letters, dl)
	return s.err
}

type recordingNotifier struct {
	sent []*types.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, notif *types.Notification) error {
	n.sent = append(n.sent, notif)
	return n.err
}

type recordingMetrics struct {
	calls []string
}

func (m *recordingMetrics) RecordReconcile(t types.BillingEventType, o types.ReconcileOutcome) {
	m.calls = append(m.calls, string(t)+"/"+string(o))
}

type stubLineItems struct {
	price string
	err   error
	calls int
}

func (s *stubLineItems) CheckoutPrice(_ context.Context, _ string) (string, error) {
	s.calls++
	return s.price, s.err
}

// --- Helpers ---

type reconcilerFixture struct {
	r        *Reconciler
	store    *memAccountStore
	sink     *recordingSink
	notifier *recordingNotifier
	metrics  *recordingMetrics
}

func newFixture(t *testing.T, lineItems LineItemSource, accounts ...types.Account) *reconcilerFixture {
	t.Helper()
	catalog := mustDefaultCatalog(t)
	prices, err := NewPriceMap(catalog, map[string]string{"price_adv_legacy": "advanced"})
	require.NoError(t, err)

	f := &reconcilerFixture{
		store:    newMemAccountStore(accounts...),
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
	}
	f.r = NewReconciler(ReconcilerConfig{
		Accounts:  f.store,
		Catalog:   catalog,
		Prices:    prices,
		LineItems: lineItems,
		Sink:      f.sink,
		Notifier:  f.notifier,
		Metrics:   f.metrics,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func strPtr(s string) *string { return &s }

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func checkoutEvent(accountID, plan, customer string, at time.Time) types.BillingEvent {
	return types.BillingEvent{
		ID:          "evt_checkout",
		Type:        types.EventCheckoutCompleted,
		AccountID:   accountID,
		PlanID:      plan,
		CustomerRef: customer,
		SessionID:   "cs_test_1",
		CreatedAt:   at,
	}
}

// --- checkout_completed ---

func TestReconcile_CheckoutApplies(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanStarter})

	res := f.r.Reconcile(context.Background(), checkoutEvent("acct_1", "advanced", "cus_1", baseTime))

	assert.Equal(t, types.OutcomeApplied, res.Outcome)
	assert.Equal(t, types.PlanAdvanced, res.Plan)
	acct := f.store.get("acct_1")
	assert.Equal(t, types.PlanAdvanced, acct.Plan)
	require.NotNil(t, acct.CustomerRef)
	assert.Equal(t, "cus_1", *acct.CustomerRef)
	assert.Empty(t, f.sink.letters)
	assert.Equal(t, []string{"checkout_completed/applied"}, f.metrics.calls)
}

func TestReconcile_CheckoutIdempotent(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanStarter})
	ev := checkoutEvent("acct_1", "advanced", "cus_1", baseTime)

	first := f.r.Reconcile(context.Background(), ev)
	afterFirst := f.store.get("acct_1")
	second := f.r.Reconcile(context.Background(), ev)
	afterSecond := f.store.get("acct_1")

	assert.Equal(t, types.OutcomeApplied, first.Outcome)
	assert.Equal(t, types.OutcomeApplied, second.Outcome, "equal timestamps are re-applied")
	assert.Equal(t, afterFirst.Plan, afterSecond.Plan)
	assert.Equal(t, *afterFirst.CustomerRef, *afterSecond.CustomerRef)
	assert.Len(t, f.notifier.sent, 1, "second delivery does not change the plan")
}

func TestReconcile_CheckoutKeepsCustomerRefWhenAbsent(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanStarter, CustomerRef: strPtr("cus_existing")})

	res := f.r.Reconcile(context.Background(), checkoutEvent("acct_1", "advanced", "", baseTime))

	assert.Equal(t, types.OutcomeApplied, res.Outcome)
	assert.Equal(t, "cus_existing", *f.store.get("acct_1").CustomerRef)
}

func TestReconcile_CheckoutMissingMetadata(t *testing.T) {
	tests := []struct {
		name      string
		accountID string
		plan      string
	}{
		{"missing account id", "", "advanced"},
		{"missing plan id", "acct_1", ""},
		{"unknown plan id", "acct_1", "enterprise"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanStarter})

			res := f.r.Reconcile(context.Background(), checkoutEvent(tt.accountID, tt.plan, "cus_1", baseTime))

			assert.Equal(t, types.OutcomeDropped, res.Outcome)
			assert.True(t, types.IsCode(res.Err, types.ErrCodeEventMalformed))
			assert.Equal(t, 0, f.store.updates, "no account is mutated")
			require.Len(t, f.sink.letters, 1)
			assert.Equal(t, types.ErrCodeEventMalformed, f.sink.letters[0].Reason)
		})
	}
}

func TestReconcile_CheckoutUnknownAccount(t *testing.T) {
	f := newFixture(t, nil)

	res := f.r.Reconcile(context.Background(), checkoutEvent("acct_missing", "advanced", "cus_1", baseTime))

	assert.Equal(t, types.OutcomeDropped, res.Outcome)
	assert.True(t, types.IsCode(res.Err, types.ErrCodeNotFoundAccount))
	require.Len(t, f.sink.letters, 1)
	assert.Equal(t, "acct_missing", f.sink.letters[0].AccountID)
}

func TestReconcile_CheckoutLineItemsWin(t *testing.T) {
	items := &stubLineItems{price: "price_starter_monthly"}
	f := newFixture(t, items, types.Account{ID: "acct_1", Plan: types.PlanStarter})

	res := f.r.Reconcile(context.Background(), checkoutEvent("acct_1", "advanced", "cus_1", baseTime))

	assert.Equal(t, 1, items.calls)
	assert.Equal(t, types.OutcomeApplied, res.Outcome)
	assert.Equal(t, types.PlanStarter, f.store.get("acct_1").Plan, "purchased price overrides metadata")
}

func TestReconcile_CheckoutLineItemFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		items *stubLineItems
	}{
		{"fetch fails", &stubLineItems{err: errors.New("stripe down")}},
		{"price not mapped", &stubLineItems{price: "price_unknown"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.items, types.Account{ID: "acct_1", Plan: types.PlanStarter})

			res := f.r.Reconcile(context.Background(), checkoutEvent("acct_1", "advanced", "cus_1", baseTime))

			assert.Equal(t, types.OutcomeApplied, res.Outcome)
			assert.Equal(t, types.PlanAdvanced, f.store.get("acct_1").Plan)
		})
	}
}

// --- subscription_updated / subscription_canceled ---

func subscriptionEvent(typ types.BillingEventType, customer, price string, at time.Time) types.BillingEvent {
	return types.BillingEvent{
		ID:          "evt_sub",
		Type:        typ,
		CustomerRef: customer,
		PriceRef:    price,
		CreatedAt:   at,
	}
}

func TestReconcile_SubscriptionUpdated(t *testing.T) {
	tests := []struct {
		name  string
		price string
		want  types.PlanID
	}{
		{"mapped advanced price", "price_advanced_monthly", types.PlanAdvanced},
		{"configured legacy price", "price_adv_legacy", types.PlanAdvanced},
		{"unknown price", "price_mystery", types.PlanStarter},
		{"no price", "", types.PlanStarter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanAdvanced, CustomerRef: strPtr("cus_1")})

			res := f.r.Reconcile(context.Background(), subscriptionEvent(types.EventSubscriptionUpdated, "cus_1", tt.price, baseTime))

			assert.Equal(t, types.OutcomeApplied, res.Outcome)
			assert.Equal(t, tt.want, f.store.get("acct_1").Plan)
		})
	}
}

func TestReconcile_SubscriptionCanceledDowngrades(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanAdvanced, CustomerRef: strPtr("cus_1")})

	res := f.r.Reconcile(context.Background(), subscriptionEvent(types.EventSubscriptionCanceled, "cus_1", "price_advanced_monthly", baseTime))

	assert.Equal(t, types.OutcomeApplied, res.Outcome)
	acct := f.store.get("acct_1")
	assert.Equal(t, types.PlanStarter, acct.Plan)
	assert.Equal(t, "cus_1", *acct.CustomerRef, "account is downgraded, not removed")

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, types.NotificationBilling, f.notifier.sent[0].Type)
	assert.Equal(t, "advanced", f.notifier.sent[0].Data["previous_plan"])
}

func TestReconcile_SubscriptionUnknownCustomer(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanAdvanced, CustomerRef: strPtr("cus_1")})

	res := f.r.Reconcile(context.Background(), subscriptionEvent(types.EventSubscriptionCanceled, "cus_other", "", baseTime))

	assert.Equal(t, types.OutcomeDropped, res.Outcome)
	assert.Equal(t, types.PlanAdvanced, f.store.get("acct_1").Plan)
	require.Len(t, f.sink.letters, 1)
	assert.Equal(t, types.ErrCodeNotFoundAccount, f.sink.letters[0].Reason)
	assert.Equal(t, "cus_other", f.sink.letters[0].CustomerRef)
}

func TestReconcile_SubscriptionMissingCustomer(t *testing.T) {
	f := newFixture(t, nil)

	res := f.r.Reconcile(context.Background(), subscriptionEvent(types.EventSubscriptionUpdated, "", "price_advanced_monthly", baseTime))

	assert.Equal(t, types.OutcomeDropped, res.Outcome)
	assert.True(t, types.IsCode(res.Err, types.ErrCodeEventMalformed))
}

// --- ordering guard ---

func TestReconcile_StaleEventSkipped(t *testing.T) {
	last := baseTime
	f := newFixture(t, nil, types.Account{
		ID: "acct_1", Plan: types.PlanStarter, CustomerRef: strPtr("cus_1"), LastBillingEventAt: &last,
	})

	res := f.r.Reconcile(context.Background(), subscriptionEvent(types.EventSubscriptionUpdated, "cus_1", "price_advanced_monthly", baseTime.Add(-time.Minute)))

	assert.Equal(t, types.OutcomeStale, res.Outcome)
	assert.Equal(t, types.PlanStarter, f.store.get("acct_1").Plan)
	assert.Empty(t, f.sink.letters, "stale events are not dead-lettered")
	assert.Empty(t, f.notifier.sent)
}

func TestReconcile_CancelThenLateUpdate(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanAdvanced, CustomerRef: strPtr("cus_1")})

	canceled := f.r.Reconcile(context.Background(), subscriptionEvent(types.EventSubscriptionCanceled, "cus_1", "", baseTime))
	late := f.r.Reconcile(context.Background(), subscriptionEvent(types.EventSubscriptionUpdated, "cus_1", "price_advanced_monthly", baseTime.Add(-time.Second)))

	assert.Equal(t, types.OutcomeApplied, canceled.Outcome)
	assert.Equal(t, types.OutcomeStale, late.Outcome)
	assert.Equal(t, types.PlanStarter, f.store.get("acct_1").Plan)
}

// --- failures ---

func TestReconcile_PersistenceFailureIsDeadLettered(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanStarter})
	f.store.updateErr = errors.New("connection reset")

	ev := checkoutEvent("acct_1", "advanced", "cus_1", baseTime)
	res := f.r.Reconcile(context.Background(), ev)

	assert.Equal(t, types.OutcomeFailed, res.Outcome)
	assert.True(t, types.IsCode(res.Err, types.ErrCodeInternalDB))
	require.Len(t, f.sink.letters, 1)

	dl := f.sink.letters[0]
	assert.Equal(t, types.OutcomeFailed, dl.Outcome)
	assert.Equal(t, "evt_checkout", dl.EventID)
	assert.Contains(t, dl.Error, "connection reset")

	var replay types.BillingEvent
	require.NoError(t, json.Unmarshal(dl.Payload, &replay))
	assert.Equal(t, ev.AccountID, replay.AccountID)
	assert.True(t, ev.CreatedAt.Equal(replay.CreatedAt))
}

func TestReconcile_LookupFailure(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanStarter, CustomerRef: strPtr("cus_1")})
	f.store.findErr = errors.New("timeout")

	res := f.r.Reconcile(context.Background(), subscriptionEvent(types.EventSubscriptionUpdated, "cus_1", "", baseTime))

	assert.Equal(t, types.OutcomeFailed, res.Outcome)
	assert.Len(t, f.sink.letters, 1)
}

func TestReconcile_SinkAndNotifierErrorsDoNotPropagate(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanStarter})
	f.sink.err = errors.New("sink down")
	f.notifier.err = errors.New("notifier down")

	applied := f.r.Reconcile(context.Background(), checkoutEvent("acct_1", "advanced", "cus_1", baseTime))
	dropped := f.r.Reconcile(context.Background(), checkoutEvent("", "advanced", "cus_1", baseTime))

	assert.Equal(t, types.OutcomeApplied, applied.Outcome)
	assert.Equal(t, types.OutcomeDropped, dropped.Outcome)
}

func TestReconcile_UnhandledTypeIgnored(t *testing.T) {
	f := newFixture(t, nil, types.Account{ID: "acct_1", Plan: types.PlanStarter})

	res := f.r.Reconcile(context.Background(), types.BillingEvent{
		ID: "evt_x", Type: types.EventUnhandled, ProviderType: "invoice.paid", CreatedAt: baseTime,
	})

	assert.Equal(t, types.OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.sink.letters)
	assert.Equal(t, 0, f.store.updates)
	assert.Equal(t, []string{"unhandled/ignored"}, f.metrics.calls)
}

func TestNewReconciler_Defaults(t *testing.T) {
	catalog := mustDefaultCatalog(t)
	prices, err := NewPriceMap(catalog, nil)
	require.NoError(t, err)

	r := NewReconciler(ReconcilerConfig{
		Accounts: newMemAccountStore(types.Account{ID: "acct_1", Plan: types.PlanStarter}),
		Catalog:  catalog,
		Prices:   prices,
	})

	res := r.Reconcile(context.Background(), checkoutEvent("", "", "", baseTime))
	assert.Equal(t, types.OutcomeDropped, res.Outcome, "nil sink and metrics are tolerated")
}

func TestTeeSink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("queue down")}
	c := &recordingSink{}

	err := TeeSink{a, nil, b, c}.Record(context.Background(), &types.DeadLetter{ID: "dl_1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue down")
	assert.Len(t, a.letters, 1)
	assert.Len(t, b.letters, 1)
	assert.Len(t, c.letters, 1, "later sinks still receive the letter")
}

func TestSettles(t *testing.T) {
	assert.True(t, Settles(types.OutcomeApplied))
	assert.True(t, Settles(types.OutcomeStale))
	assert.True(t, Settles(types.OutcomeIgnored))
	assert.False(t, Settles(types.OutcomeDropped))
	assert.False(t, Settles(types.OutcomeFailed))
}
