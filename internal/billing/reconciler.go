package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reviewdesk/internal/types"
)

// AccountStore is the slice of the account repository the reconciler needs.
// Find methods return (nil, nil) when no account matches.
type AccountStore interface {
	FindByCustomerRef(ctx context.Context, customerRef string) (*types.Account, error)
	FindByID(ctx context.Context, id string) (*types.Account, error)
	// UpdatePlan sets the account's plan (and customer ref when non-nil) if
	// eventTime is not older than the last applied billing event. applied is
	// false when the write was skipped as stale.
	UpdatePlan(ctx context.Context, accountID string, plan types.PlanID, customerRef *string, eventTime time.Time) (applied bool, err error)
}

// LineItemSource returns the price identifier purchased in a checkout session.
type LineItemSource interface {
	CheckoutPrice(ctx context.Context, sessionID string) (string, error)
}

// DeadLetterSink records billing events that could not be applied.
type DeadLetterSink interface {
	Record(ctx context.Context, dl *types.DeadLetter) error
}

// Notifier delivers an in-app notification to an account.
type Notifier interface {
	Notify(ctx context.Context, n *types.Notification) error
}

// Metrics records reconciliation outcomes.
type Metrics interface {
	RecordReconcile(eventType types.BillingEventType, outcome types.ReconcileOutcome)
}

// Result describes what Reconcile did with one event.
type Result struct {
	Outcome   types.ReconcileOutcome
	AccountID string
	Plan      types.PlanID
	// Err is set for dropped and failed outcomes. Its code is the dead-letter
	// reason.
	Err error
}

// ReconcilerConfig wires a Reconciler. Accounts, Catalog and Prices are
// required; the rest are optional.
type ReconcilerConfig struct {
	Accounts  AccountStore
	Catalog   *Catalog
	Prices    *PriceMap
	LineItems LineItemSource
	Sink      DeadLetterSink
	Notifier  Notifier
	Metrics   Metrics
	Logger    *slog.Logger
}

// Reconciler applies authenticated billing events to account plans. It never
// returns an error to its caller: every event ends in exactly one outcome and
// events that cannot be applied are dead-lettered.
type Reconciler struct {
	accounts  AccountStore
	catalog   *Catalog
	prices    *PriceMap
	lineItems LineItemSource
	sink      DeadLetterSink
	notifier  Notifier
	metrics   Metrics
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler from cfg.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Reconciler{
		accounts:  cfg.Accounts,
		catalog:   cfg.Catalog,
		prices:    cfg.Prices,
		lineItems: cfg.LineItems,
		sink:      cfg.Sink,
		notifier:  cfg.Notifier,
		metrics:   metrics,
		logger:    logger,
	}
}

// Reconcile applies ev and reports the outcome.
func (r *Reconciler) Reconcile(ctx context.Context, ev types.BillingEvent) Result {
	logger := r.logger.With(
		"event_id", ev.ID,
		"event_type", string(ev.Type),
	)

	var res Result
	switch ev.Type {
	case types.EventCheckoutCompleted:
		res = r.checkoutCompleted(ctx, logger, ev)
	case types.EventSubscriptionUpdated:
		res = r.subscriptionChanged(ctx, logger, ev, false)
	case types.EventSubscriptionCanceled:
		res = r.subscriptionChanged(ctx, logger, ev, true)
	default:
		logger.InfoContext(ctx, "unhandled billing event", "provider_type", ev.ProviderType)
		res = Result{Outcome: types.OutcomeIgnored}
	}

	switch res.Outcome {
	case types.OutcomeApplied:
		logger.InfoContext(ctx, "billing event applied", "account_id", res.AccountID, "plan", string(res.Plan))
	case types.OutcomeStale:
		logger.InfoContext(ctx, "stale billing event skipped", "account_id", res.AccountID)
	case types.OutcomeDropped, types.OutcomeFailed:
		logger.ErrorContext(ctx, "billing event not applied",
			"outcome", string(res.Outcome),
			"account_id", res.AccountID,
			"error", res.Err,
		)
		r.deadLetter(ctx, logger, ev, res)
	}

	r.metrics.RecordReconcile(ev.Type, res.Outcome)
	return res
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, logger *slog.Logger, ev types.BillingEvent) Result {
	if ev.AccountID == "" || ev.PlanID == "" {
		return dropped("", malformed("checkout event is missing account id or plan id"))
	}
	plan := types.PlanID(ev.PlanID)
	if !r.catalog.Has(plan) {
		return dropped(ev.AccountID, malformed(fmt.Sprintf("checkout event names unknown plan %q", ev.PlanID)))
	}

	if r.lineItems != nil && ev.SessionID != "" {
		plan = r.crossCheckLineItems(ctx, logger, ev, plan)
	}

	account, err := r.accounts.FindByID(ctx, ev.AccountID)
	if err != nil {
		return failed(ev.AccountID, err)
	}
	if account == nil {
		return dropped(ev.AccountID, accountNotFound("account_id", ev.AccountID))
	}

	var customerRef *string
	if ev.CustomerRef != "" {
		customerRef = &ev.CustomerRef
	}
	return r.apply(ctx, logger, ev, account, plan, customerRef)
}

// crossCheckLineItems returns the plan actually purchased in the session.
// When the line items cannot be fetched or do not match a known price the
// metadata plan stands.
func (r *Reconciler) crossCheckLineItems(ctx context.Context, logger *slog.Logger, ev types.BillingEvent, metadataPlan types.PlanID) types.PlanID {
	price, err := r.lineItems.CheckoutPrice(ctx, ev.SessionID)
	if err != nil {
		logger.WarnContext(ctx, "checkout line items unavailable, using metadata plan",
			"session_id", ev.SessionID,
			"error", err,
		)
		return metadataPlan
	}
	purchased, ok := r.prices.Lookup(price)
	if !ok {
		logger.WarnContext(ctx, "checkout price not in price map, using metadata plan",
			"session_id", ev.SessionID,
			"price_ref", price,
		)
		return metadataPlan
	}
	if purchased != metadataPlan {
		logger.WarnContext(ctx, "checkout metadata plan disagrees with purchased price",
			"session_id", ev.SessionID,
			"metadata_plan", string(metadataPlan),
			"purchased_plan", string(purchased),
		)
	}
	return purchased
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, logger *slog.Logger, ev types.BillingEvent, canceled bool) Result {
	if ev.CustomerRef == "" {
		return dropped("", malformed("subscription event has no customer reference"))
	}

	account, err := r.accounts.FindByCustomerRef(ctx, ev.CustomerRef)
	if err != nil {
		return failed("", err)
	}
	if account == nil {
		return dropped("", accountNotFound("customer_ref", ev.CustomerRef))
	}

	plan := types.DefaultPlan
	if !canceled {
		plan = r.prices.Resolve(ev.PriceRef)
		if _, ok := r.prices.Lookup(ev.PriceRef); !ok {
			logger.WarnContext(ctx, "subscription price not in price map, using default plan",
				"price_ref", ev.PriceRef,
				"account_id", account.ID,
			)
		}
	}
	return r.apply(ctx, logger, ev, account, plan, nil)
}

func (r *Reconciler) apply(ctx context.Context, logger *slog.Logger, ev types.BillingEvent, account *types.Account, plan types.PlanID, customerRef *string) Result {
	applied, err := r.accounts.UpdatePlan(ctx, account.ID, plan, customerRef, ev.CreatedAt)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundAccount) {
			return dropped(account.ID, err)
		}
		return failed(account.ID, err)
	}
	if !applied {
		return Result{Outcome: types.OutcomeStale, AccountID: account.ID, Plan: account.Plan}
	}

	if account.Plan != plan {
		r.notifyPlanChange(ctx, logger, account, plan)
	}
	return Result{Outcome: types.OutcomeApplied, AccountID: account.ID, Plan: plan}
}

func (r *Reconciler) notifyPlanChange(ctx context.Context, logger *slog.Logger, account *types.Account, plan types.PlanID) {
	if r.notifier == nil {
		return
	}
	name := string(plan)
	if entry, err := r.catalog.Get(plan); err == nil {
		name = entry.Name
	}
	n := &types.Notification{
		AccountID: account.ID,
		Type:      types.NotificationBilling,
		Title:     "Plan updated",
		Message:   fmt.Sprintf("Your subscription is now on the %s plan.", name),
		Data: map[string]any{
			"previous_plan": string(account.Plan),
			"plan":          string(plan),
		},
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		logger.WarnContext(ctx, "plan change notification failed", "account_id", account.ID, "error", err)
	}
}

func (r *Reconciler) deadLetter(ctx context.Context, logger *slog.Logger, ev types.BillingEvent, res Result) {
	if r.sink == nil {
		return
	}
	dl, err := NewDeadLetter(ev, res)
	if err != nil {
		logger.ErrorContext(ctx, "failed to encode dead letter", "error", err)
		return
	}
	if err := r.sink.Record(ctx, dl); err != nil {
		logger.ErrorContext(ctx, "failed to record dead letter", "error", err)
	}
}

// NewDeadLetter builds the dead-letter record for an event that ended in
// res. The stored payload is the full BillingEvent so it can be replayed.
func NewDeadLetter(ev types.BillingEvent, res Result) (*types.DeadLetter, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal billing event: %w", err)
	}
	dl := &types.DeadLetter{
		ID:          uuid.NewString(),
		EventID:     ev.ID,
		EventType:   string(ev.Type),
		AccountID:   res.AccountID,
		CustomerRef: ev.CustomerRef,
		Outcome:     res.Outcome,
		Reason:      types.CodeOf(res.Err),
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	if dl.AccountID == "" {
		dl.AccountID = ev.AccountID
	}
	if res.Err != nil {
		dl.Error = res.Err.Error()
	}
	return dl, nil
}

func dropped(accountID string, err error) Result {
	return Result{Outcome: types.OutcomeDropped, AccountID: accountID, Err: err}
}

func failed(accountID string, err error) Result {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		err = types.NewAppError(types.ErrCodeInternalDB, "failed to persist billing event", err)
	}
	return Result{Outcome: types.OutcomeFailed, AccountID: accountID, Err: err}
}

func malformed(msg string) error {
	return types.NewAppError(types.ErrCodeEventMalformed, msg, nil)
}

func accountNotFound(key, value string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundAccount, "no account matches billing event", nil,
		map[string]any{key: value})
}

// NopMetrics discards reconciliation metrics.
type NopMetrics struct{}

func (NopMetrics) RecordReconcile(types.BillingEventType, types.ReconcileOutcome) {}

// Settles reports whether outcome closes out a dead letter when its event
// is replayed. Dropped and failed replays leave the dead letter open.
func Settles(outcome types.ReconcileOutcome) bool {
	switch outcome {
	case types.OutcomeApplied, types.OutcomeStale, types.OutcomeIgnored:
		return true
	default:
		return false
	}
}
