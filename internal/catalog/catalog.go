// Package catalog maps (plan tier, billing cycle) pairs to provider prices.
package catalog

import (
	"errors"
	"fmt"

	"github.com/Dhoini/fleet-billing/internal/config"
	"github.com/Dhoini/fleet-billing/internal/domain"
)

// ErrNotConfigured is returned when a (tier, cycle) pair has no provider price id.
var ErrNotConfigured = errors.New("catalog: price not configured")

type key struct {
	tier  domain.PlanTier
	cycle domain.BillingCycle
}

// Catalog is an immutable price table.
type Catalog struct {
	entries map[key]domain.PriceEntry
	byPrice map[string]domain.PriceEntry
}

// NewCatalog validates entries and builds a catalog.
// Entries with an empty price id are kept out of the table, so PriceFor reports them as not configured.
func NewCatalog(entries []domain.PriceEntry) (*Catalog, error) {
	c := &Catalog{
		entries: make(map[key]domain.PriceEntry, len(entries)),
		byPrice: make(map[string]domain.PriceEntry, len(entries)),
	}
	amounts := make(map[key]int64, len(entries))

	for _, e := range entries {
		if !e.Tier.Valid() || !e.Cycle.Valid() {
			return nil, fmt.Errorf("catalog: invalid entry %s/%s", e.Tier, e.Cycle)
		}
		if e.AmountCents < 0 {
			return nil, fmt.Errorf("catalog: negative amount for %s/%s", e.Tier, e.Cycle)
		}
		k := key{e.Tier, e.Cycle}
		if _, dup := amounts[k]; dup {
			return nil, fmt.Errorf("catalog: duplicate entry for %s/%s", e.Tier, e.Cycle)
		}
		amounts[k] = e.AmountCents

		if e.ExternalPriceID == "" {
			continue
		}
		if other, dup := c.byPrice[e.ExternalPriceID]; dup {
			return nil, fmt.Errorf("catalog: price %s used by both %s/%s and %s/%s",
				e.ExternalPriceID, other.Tier, other.Cycle, e.Tier, e.Cycle)
		}
		c.entries[k] = e
		c.byPrice[e.ExternalPriceID] = e
	}

	for _, tier := range domain.PlanTiers {
		monthly, okM := amounts[key{tier, domain.CycleMonthly}]
		yearly, okY := amounts[key{tier, domain.CycleYearly}]
		if okM && okY && yearly > 12*monthly {
			return nil, fmt.Errorf("catalog: yearly amount %d for %s exceeds 12x monthly %d", yearly, tier, monthly)
		}
	}
	return c, nil
}

// FromConfig builds the catalog from the billing section of the configuration.
func FromConfig(cfg *config.Config) (*Catalog, error) {
	b := cfg.Billing
	tiers := map[domain.PlanTier]config.TierPrices{
		domain.PlanBasic:   b.Basic,
		domain.PlanPremium: b.Premium,
		domain.PlanFleet:   b.Fleet,
	}

	entries := make([]domain.PriceEntry, 0, len(tiers)*2)
	for _, tier := range domain.PlanTiers {
		p := tiers[tier]
		entries = append(entries,
			domain.PriceEntry{Tier: tier, Cycle: domain.CycleMonthly, ExternalPriceID: p.Monthly.PriceID, AmountCents: p.Monthly.AmountCents},
			domain.PriceEntry{Tier: tier, Cycle: domain.CycleYearly, ExternalPriceID: p.Yearly.PriceID, AmountCents: p.Yearly.AmountCents},
		)
	}
	return NewCatalog(entries)
}

// PriceFor returns the price of (tier, cycle) or ErrNotConfigured.
func (c *Catalog) PriceFor(tier domain.PlanTier, cycle domain.BillingCycle) (domain.PriceEntry, error) {
	e, ok := c.entries[key{tier, cycle}]
	if !ok {
		return domain.PriceEntry{}, fmt.Errorf("%w: %s/%s", ErrNotConfigured, tier, cycle)
	}
	return e, nil
}

// LookupByPriceID finds the entry that owns a provider price id.
func (c *Catalog) LookupByPriceID(priceID string) (domain.PriceEntry, bool) {
	e, ok := c.byPrice[priceID]
	return e, ok
}

// Entries lists configured prices ordered by tier then cycle.
func (c *Catalog) Entries() []domain.PriceEntry {
	out := make([]domain.PriceEntry, 0, len(c.entries))
	for _, tier := range domain.PlanTiers {
		for _, cycle := range domain.BillingCycles {
			if e, ok := c.entries[key{tier, cycle}]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}
