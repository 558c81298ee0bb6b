package billing

import (
	"fmt"
	"maps"
	"slices"

	"reviewdesk/internal/types"
)

// PriceMap resolves provider price identifiers to plans by exact match.
type PriceMap struct {
	byPrice map[string]types.PlanID
	byPlan  map[types.PlanID]string
}

// NewPriceMap merges the configured price→plan table with each catalog entry's
// PriceIDs. A price mapped to two different plans, or to a plan outside the
// catalog, is a configuration error.
func NewPriceMap(catalog *Catalog, configured map[string]string) (*PriceMap, error) {
	pm := &PriceMap{
		byPrice: make(map[string]types.PlanID),
		byPlan:  make(map[types.PlanID]string),
	}

	for _, entry := range catalog.List() {
		for _, price := range entry.PriceIDs {
			if err := pm.add(price, entry.ID); err != nil {
				return nil, err
			}
		}
	}

	for _, price := range slices.Sorted(maps.Keys(configured)) {
		plan := configured[price]
		id := types.PlanID(plan)
		if !catalog.Has(id) {
			return nil, fmt.Errorf("price map: price %q maps to unknown plan %q", price, plan)
		}
		if err := pm.add(price, id); err != nil {
			return nil, err
		}
	}

	return pm, nil
}

func (pm *PriceMap) add(price string, plan types.PlanID) error {
	if price == "" {
		return nil
	}
	if existing, ok := pm.byPrice[price]; ok && existing != plan {
		return fmt.Errorf("price map: price %q maps to both %q and %q", price, existing, plan)
	}
	pm.byPrice[price] = plan
	if _, ok := pm.byPlan[plan]; !ok {
		pm.byPlan[plan] = price
	}
	return nil
}

// Resolve returns the plan for priceRef. Empty or unmatched references
// resolve to types.DefaultPlan.
func (pm *PriceMap) Resolve(priceRef string) types.PlanID {
	if plan, ok := pm.byPrice[priceRef]; ok {
		return plan
	}
	return types.DefaultPlan
}

// Lookup is Resolve without the default: ok is false for unmatched references.
func (pm *PriceMap) Lookup(priceRef string) (types.PlanID, bool) {
	plan, ok := pm.byPrice[priceRef]
	return plan, ok
}

// PriceFor returns the price identifier used to sell plan.
func (pm *PriceMap) PriceFor(plan types.PlanID) (string, bool) {
	price, ok := pm.byPlan[plan]
	return price, ok
}
