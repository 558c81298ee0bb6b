package billing

import "reviewdesk/internal/types"

// Evaluator answers entitlement questions against a Catalog. It has no state
// of its own and is safe for concurrent use.
type Evaluator struct {
	catalog *Catalog
}

// NewEvaluator returns an Evaluator backed by catalog.
func NewEvaluator(catalog *Catalog) *Evaluator {
	return &Evaluator{catalog: catalog}
}

// CanCreateBusiness reports whether an account on plan that already owns
// currentCount businesses may add another.
func (e *Evaluator) CanCreateBusiness(plan types.PlanID, currentCount int) (bool, error) {
	entry, err := e.catalog.Get(plan)
	if err != nil {
		return false, err
	}
	return currentCount < entry.Limits.MaxBusinesses, nil
}

// CanUseAI reports whether an account on plan that has made dailyUsage AI
// generations today may make another.
func (e *Evaluator) CanUseAI(plan types.PlanID, dailyUsage int) (bool, error) {
	entry, err := e.catalog.Get(plan)
	if err != nil {
		return false, err
	}
	limit := entry.Limits.MaxAICallsPerDay
	if limit == types.UnlimitedAI {
		return true, nil
	}
	return dailyUsage < limit, nil
}

// HasFeature reports whether plan includes feature. Features the plan does
// not list are false.
func (e *Evaluator) HasFeature(plan types.PlanID, feature types.Feature) (bool, error) {
	entry, err := e.catalog.Get(plan)
	if err != nil {
		return false, err
	}
	return entry.Features[feature], nil
}

// AnalyticsRetentionDays returns how many days of review history plan may
// analyze.
func (e *Evaluator) AnalyticsRetentionDays(plan types.PlanID) (int, error) {
	entry, err := e.catalog.Get(plan)
	if err != nil {
		return 0, err
	}
	return entry.Limits.AnalyticsRetentionDays, nil
}

// Entitlements is the account-facing view of a plan and current usage.
type Entitlements struct {
	Plan              types.PlanID           `json:"plan"`
	PlanName          string                 `json:"plan_name"`
	Limits            PlanLimits             `json:"limits"`
	Features          map[types.Feature]bool `json:"features"`
	Usage             types.UsageSnapshot    `json:"usage"`
	CanCreateBusiness bool                   `json:"can_create_business"`
	CanUseAI          bool                   `json:"can_use_ai"`
	AICallsRemaining  *int                   `json:"ai_calls_remaining"` // nil when unlimited
}

// Summarize builds the Entitlements view for plan and usage.
func (e *Evaluator) Summarize(plan types.PlanID, usage types.UsageSnapshot) (Entitlements, error) {
	entry, err := e.catalog.Get(plan)
	if err != nil {
		return Entitlements{}, err
	}

	canBusiness, _ := e.CanCreateBusiness(plan, usage.BusinessCount)
	canAI, _ := e.CanUseAI(plan, usage.AICallsToday)

	out := Entitlements{
		Plan:              entry.ID,
		PlanName:          entry.Name,
		Limits:            entry.Limits,
		Features:          entry.Features,
		Usage:             usage,
		CanCreateBusiness: canBusiness,
		CanUseAI:          canAI,
	}
	if entry.Limits.MaxAICallsPerDay != types.UnlimitedAI {
		remaining := max(entry.Limits.MaxAICallsPerDay-usage.AICallsToday, 0)
		out.AICallsRemaining = &remaining
	}
	return out, nil
}
