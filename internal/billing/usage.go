package billing

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"reviewdesk/internal/types"
)

// UsageCounter tracks AI generations per account per UTC day.
type UsageCounter interface {
	DailyAIUsage(ctx context.Context, accountID string, day time.Time) (int, error)
	// IncrementAIUsage adds one generation and returns the new count.
	IncrementAIUsage(ctx context.Context, accountID string, day time.Time) (int, error)
	// DecrementAIUsage gives back one generation, never going below zero.
	DecrementAIUsage(ctx context.Context, accountID string, day time.Time) error
}

// BusinessCounter counts the businesses an account owns.
type BusinessCounter interface {
	CountByAccount(ctx context.Context, accountID string) (int, error)
}

// UsageReporter gathers current usage and enforces plan limits before
// gated operations.
type UsageReporter struct {
	evaluator  *Evaluator
	usage      UsageCounter
	businesses BusinessCounter
	clock      func() time.Time
	logger     *slog.Logger
}

// NewUsageReporter creates a UsageReporter.
func NewUsageReporter(evaluator *Evaluator, usage UsageCounter, businesses BusinessCounter, logger *slog.Logger) *UsageReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageReporter{
		evaluator:  evaluator,
		usage:      usage,
		businesses: businesses,
		clock:      func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// Today returns the current UTC day used as the usage bucket.
func (r *UsageReporter) Today() time.Time {
	return r.clock().UTC().Truncate(24 * time.Hour)
}

// CurrentUsage returns the account's AI calls today and business count,
// fetched concurrently.
func (r *UsageReporter) CurrentUsage(ctx context.Context, accountID string) (types.UsageSnapshot, error) {
	var snap types.UsageSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.usage.DailyAIUsage(gctx, accountID, r.Today())
		snap.AICallsToday = n
		return err
	})
	g.Go(func() error {
		n, err := r.businesses.CountByAccount(gctx, accountID)
		snap.BusinessCount = n
		return err
	})
	if err := g.Wait(); err != nil {
		return types.UsageSnapshot{}, err
	}
	return snap, nil
}

// Entitlements summarizes plan and usage for account.
func (r *UsageReporter) Entitlements(ctx context.Context, account *types.Account) (Entitlements, error) {
	snap, err := r.CurrentUsage(ctx, account.ID)
	if err != nil {
		return Entitlements{}, err
	}
	return r.evaluator.Summarize(account.Plan, snap)
}

// CheckBusinessLimit returns limit_businesses_exceeded when account may not
// create another business.
func (r *UsageReporter) CheckBusinessLimit(ctx context.Context, account *types.Account) error {
	count, err := r.businesses.CountByAccount(ctx, account.ID)
	if err != nil {
		return err
	}
	ok, err := r.evaluator.CanCreateBusiness(account.Plan, count)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewAppErrorWithDetails(types.ErrCodeLimitBusinesses,
			"business limit reached for your plan; upgrade to add more",
			nil,
			map[string]any{"plan": string(account.Plan), "current": count},
		)
	}
	return nil
}

// RequireFeature returns permission_feature_unavailable when account's plan
// does not include feature.
func (r *UsageReporter) RequireFeature(account *types.Account, feature types.Feature) error {
	ok, err := r.evaluator.HasFeature(account.Plan, feature)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewAppErrorWithDetails(types.ErrCodePermissionFeature,
			"your plan does not include this feature; upgrade to use it",
			nil,
			map[string]any{"plan": string(account.Plan), "feature": string(feature)},
		)
	}
	return nil
}

// AnalyticsSince returns the start of the analytics window for account's
// plan: midnight UTC, AnalyticsRetentionDays before today.
func (r *UsageReporter) AnalyticsSince(account *types.Account) (time.Time, error) {
	days, err := r.evaluator.AnalyticsRetentionDays(account.Plan)
	if err != nil {
		return time.Time{}, err
	}
	return r.Today().AddDate(0, 0, -days), nil
}

// ReserveAI takes one AI generation from today's allowance before the
// generation runs. The increment is atomic in the counter, so concurrent
// requests each see a distinct count and at most the plan limit succeed.
// Over the limit the slot is given back and limit_ai_exceeded is returned.
// On success the caller must call release if the generation fails.
func (r *UsageReporter) ReserveAI(ctx context.Context, account *types.Account) (release func(context.Context), err error) {
	if _, err := r.evaluator.CanUseAI(account.Plan, 0); err != nil {
		return nil, err
	}

	day := r.Today()
	count, err := r.usage.IncrementAIUsage(ctx, account.ID, day)
	if err != nil {
		return nil, err
	}
	release = func(ctx context.Context) {
		if err := r.usage.DecrementAIUsage(ctx, account.ID, day); err != nil {
			r.logger.ErrorContext(ctx, "failed to release AI usage", "account_id", account.ID, "error", err)
		}
	}

	ok, err := r.evaluator.CanUseAI(account.Plan, count-1)
	if err != nil {
		release(ctx)
		return nil, err
	}
	if !ok {
		release(ctx)
		return nil, types.NewAppErrorWithDetails(types.ErrCodeLimitAI,
			"daily AI response limit reached for your plan",
			nil,
			map[string]any{"plan": string(account.Plan), "used_today": count - 1},
		)
	}
	return release, nil
}
