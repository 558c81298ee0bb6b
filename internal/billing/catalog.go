// Package billing holds the plan catalog, entitlement checks and the
// reconciler that applies payment-provider events to accounts.
package billing

import (
	"fmt"

	"reviewdesk/internal/types"
)

// PlanLimits are the quantitative caps attached to a plan.
type PlanLimits struct {
	MaxBusinesses          int `json:"max_businesses"`
	MaxAICallsPerDay       int `json:"max_ai_calls_per_day"` // types.UnlimitedAI means no cap
	AnalyticsRetentionDays int `json:"analytics_retention_days"`
}

// PlanEntry is one purchasable plan.
type PlanEntry struct {
	ID                types.PlanID           `json:"id"`
	Name              string                 `json:"name"`
	MonthlyPriceCents int64                  `json:"monthly_price_cents"`
	Features          map[types.Feature]bool `json:"features"`
	Limits            PlanLimits             `json:"limits"`
	PriceIDs          []string               `json:"-"`
}

// planOrder is the upgrade path. Limits must not decrease along it.
var planOrder = []types.PlanID{types.PlanStarter, types.PlanAdvanced}

// Catalog is the immutable set of plans the product sells. It is built once
// at startup and shared read-only.
type Catalog struct {
	entries map[types.PlanID]PlanEntry
}

// NewCatalog validates entries and returns a Catalog. Every plan in the
// upgrade path must be present exactly once and limits must be non-decreasing
// from starter to advanced.
func NewCatalog(entries ...PlanEntry) (*Catalog, error) {
	m := make(map[types.PlanID]PlanEntry, len(entries))
	for _, e := range entries {
		if !isKnownPlan(e.ID) {
			return nil, fmt.Errorf("catalog: unknown plan id %q", e.ID)
		}
		if _, dup := m[e.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate plan id %q", e.ID)
		}
		m[e.ID] = copyEntry(e)
	}

	for _, id := range planOrder {
		if _, ok := m[id]; !ok {
			return nil, fmt.Errorf("catalog: missing plan %q", id)
		}
	}

	for i := 1; i < len(planOrder); i++ {
		lo, hi := m[planOrder[i-1]].Limits, m[planOrder[i]].Limits
		if hi.MaxBusinesses < lo.MaxBusinesses {
			return nil, fmt.Errorf("catalog: %s max_businesses %d is below %s (%d)",
				planOrder[i], hi.MaxBusinesses, planOrder[i-1], lo.MaxBusinesses)
		}
		if aiRank(hi.MaxAICallsPerDay) < aiRank(lo.MaxAICallsPerDay) {
			return nil, fmt.Errorf("catalog: %s max_ai_calls_per_day %d is below %s (%d)",
				planOrder[i], hi.MaxAICallsPerDay, planOrder[i-1], lo.MaxAICallsPerDay)
		}
		if hi.AnalyticsRetentionDays < lo.AnalyticsRetentionDays {
			return nil, fmt.Errorf("catalog: %s analytics_retention_days %d is below %s (%d)",
				planOrder[i], hi.AnalyticsRetentionDays, planOrder[i-1], lo.AnalyticsRetentionDays)
		}
	}

	return &Catalog{entries: m}, nil
}

// DefaultCatalog returns the production plans. The price IDs are the
// provider's identifiers for each plan's recurring price and may be empty.
func DefaultCatalog(starterPriceID, advancedPriceID string) (*Catalog, error) {
	return NewCatalog(
		PlanEntry{
			ID:                types.PlanStarter,
			Name:              "Starter",
			MonthlyPriceCents: 1999,
			Features: map[types.Feature]bool{
				types.FeatureGoogleIntegration: true,
				types.FeatureCustomTemplates:   false,
				types.FeaturePrioritySupport:   false,
				types.FeatureAPIAccess:         false,
			},
			Limits: PlanLimits{
				MaxBusinesses:          1,
				MaxAICallsPerDay:       5,
				AnalyticsRetentionDays: 30,
			},
			PriceIDs: nonEmpty(starterPriceID),
		},
		PlanEntry{
			ID:                types.PlanAdvanced,
			Name:              "Advanced",
			MonthlyPriceCents: 4999,
			Features: map[types.Feature]bool{
				types.FeatureGoogleIntegration: true,
				types.FeatureCustomTemplates:   true,
				types.FeaturePrioritySupport:   true,
				types.FeatureAPIAccess:         true,
			},
			Limits: PlanLimits{
				MaxBusinesses:          99,
				MaxAICallsPerDay:       types.UnlimitedAI,
				AnalyticsRetentionDays: 365,
			},
			PriceIDs: nonEmpty(advancedPriceID),
		},
	)
}

// Get returns the plan with the given ID. Unknown IDs fail with
// validation_invalid_plan.
func (c *Catalog) Get(id types.PlanID) (PlanEntry, error) {
	e, ok := c.entries[id]
	if !ok {
		return PlanEntry{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("unknown plan %q", id),
			nil,
			map[string]any{"plan": string(id)},
		)
	}
	return copyEntry(e), nil
}

// Has reports whether id names a catalog plan.
func (c *Catalog) Has(id types.PlanID) bool {
	_, ok := c.entries[id]
	return ok
}

// List returns all plans ordered starter to advanced.
func (c *Catalog) List() []PlanEntry {
	out := make([]PlanEntry, 0, len(planOrder))
	for _, id := range planOrder {
		out = append(out, copyEntry(c.entries[id]))
	}
	return out
}

func isKnownPlan(id types.PlanID) bool {
	for _, p := range planOrder {
		if p == id {
			return true
		}
	}
	return false
}

// aiRank orders AI limits with the unlimited sentinel above every finite cap.
func aiRank(limit int) int64 {
	if limit == types.UnlimitedAI {
		return 1<<62 - 1
	}
	return int64(limit)
}

func copyEntry(e PlanEntry) PlanEntry {
	features := make(map[types.Feature]bool, len(e.Features))
	for k, v := range e.Features {
		features[k] = v
	}
	e.Features = features
	e.PriceIDs = append([]string(nil), e.PriceIDs...)
	return e
}

func nonEmpty(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
