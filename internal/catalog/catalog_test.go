package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/fleet-billing/internal/config"
	"github.com/Dhoini/fleet-billing/internal/domain"
)

func fullEntries() []domain.PriceEntry {
	return []domain.PriceEntry{
		{Tier: domain.PlanBasic, Cycle: domain.CycleMonthly, ExternalPriceID: "price_basic_m", AmountCents: 1900},
		{Tier: domain.PlanBasic, Cycle: domain.CycleYearly, ExternalPriceID: "price_basic_y", AmountCents: 19000},
		{Tier: domain.PlanPremium, Cycle: domain.CycleMonthly, ExternalPriceID: "price_premium_m", AmountCents: 3900},
		{Tier: domain.PlanPremium, Cycle: domain.CycleYearly, ExternalPriceID: "price_premium_y", AmountCents: 39000},
		{Tier: domain.PlanFleet, Cycle: domain.CycleMonthly, ExternalPriceID: "price_fleet_m", AmountCents: 6900},
		{Tier: domain.PlanFleet, Cycle: domain.CycleYearly, ExternalPriceID: "price_fleet_y", AmountCents: 69000},
	}
}

func TestPriceFor(t *testing.T) {
	c, err := NewCatalog(fullEntries())
	require.NoError(t, err)

	e, err := c.PriceFor(domain.PlanPremium, domain.CycleYearly)
	require.NoError(t, err)
	assert.Equal(t, "price_premium_y", e.ExternalPriceID)
	assert.Equal(t, int64(39000), e.AmountCents)

	byID, ok := c.LookupByPriceID("price_fleet_m")
	require.True(t, ok)
	assert.Equal(t, domain.PlanFleet, byID.Tier)
	assert.Equal(t, domain.CycleMonthly, byID.Cycle)

	_, ok = c.LookupByPriceID("price_unknown")
	assert.False(t, ok)
	assert.Len(t, c.Entries(), 6)
	assert.Equal(t, domain.PlanBasic, c.Entries()[0].Tier)
}

func TestPriceForNotConfigured(t *testing.T) {
	entries := fullEntries()
	entries[5].ExternalPriceID = ""
	c, err := NewCatalog(entries)
	require.NoError(t, err)

	_, err = c.PriceFor(domain.PlanFleet, domain.CycleYearly)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Len(t, c.Entries(), 5)
}

func TestNewCatalogValidation(t *testing.T) {
	t.Run("duplicate pair", func(t *testing.T) {
		entries := append(fullEntries(), domain.PriceEntry{Tier: domain.PlanBasic, Cycle: domain.CycleMonthly, ExternalPriceID: "price_other", AmountCents: 1900})
		_, err := NewCatalog(entries)
		assert.Error(t, err)
	})
	t.Run("yearly above twelve months", func(t *testing.T) {
		entries := fullEntries()
		entries[1].AmountCents = 12*1900 + 1
		_, err := NewCatalog(entries)
		assert.Error(t, err)
	})
	t.Run("shared price id", func(t *testing.T) {
		entries := fullEntries()
		entries[2].ExternalPriceID = "price_basic_m"
		_, err := NewCatalog(entries)
		assert.Error(t, err)
	})
	t.Run("unknown tier", func(t *testing.T) {
		_, err := NewCatalog([]domain.PriceEntry{{Tier: "enterprise", Cycle: domain.CycleMonthly, ExternalPriceID: "x"}})
		assert.Error(t, err)
	})
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Billing.Basic.Monthly = config.PriceConfig{PriceID: "price_basic_m", AmountCents: 1900}
	cfg.Billing.Basic.Yearly = config.PriceConfig{PriceID: "price_basic_y", AmountCents: 19000}
	cfg.Billing.Fleet.Monthly = config.PriceConfig{AmountCents: 6900}

	c, err := FromConfig(cfg)
	require.NoError(t, err)

	_, err = c.PriceFor(domain.PlanBasic, domain.CycleYearly)
	assert.NoError(t, err)
	_, err = c.PriceFor(domain.PlanFleet, domain.CycleMonthly)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
