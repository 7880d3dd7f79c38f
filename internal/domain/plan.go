package domain

import (
	"fmt"
	"strings"
)

// PlanTier is a self-serve subscription level, ordered basic < premium < fleet.
type PlanTier string

const (
	PlanBasic   PlanTier = "basic"
	PlanPremium PlanTier = "premium"
	PlanFleet   PlanTier = "fleet"
)

// PlanTiers lists all tiers in ascending order.
var PlanTiers = []PlanTier{PlanBasic, PlanPremium, PlanFleet}

// Order returns the tier's rank, or -1 for a value outside the enum.
func (t PlanTier) Order() int {
	switch t {
	case PlanBasic:
		return 0
	case PlanPremium:
		return 1
	case PlanFleet:
		return 2
	default:
		return -1
	}
}

// Valid reports whether t is a member of the enum.
func (t PlanTier) Valid() bool { return t.Order() >= 0 }

// DisplayName is the user facing plan name.
func (t PlanTier) DisplayName() string {
	switch t {
	case PlanBasic:
		return "Basic"
	case PlanPremium:
		return "Premium"
	case PlanFleet:
		return "Fleet"
	default:
		return string(t)
	}
}

// ParsePlanTier accepts a tier name in any letter case.
func ParsePlanTier(s string) (PlanTier, error) {
	t := PlanTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, s)
	}
	return t, nil
}

// BillingCycle is the payment interval, ordered monthly < yearly.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// BillingCycles lists all cycles in ascending order.
var BillingCycles = []BillingCycle{CycleMonthly, CycleYearly}

// Order returns the cycle's rank, or -1 for a value outside the enum.
func (c BillingCycle) Order() int {
	switch c {
	case CycleMonthly:
		return 0
	case CycleYearly:
		return 1
	default:
		return -1
	}
}

// Valid reports whether c is a member of the enum.
func (c BillingCycle) Valid() bool { return c.Order() >= 0 }

// ParseBillingCycle accepts a cycle name in any letter case.
func ParseBillingCycle(s string) (BillingCycle, error) {
	c := BillingCycle(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown billing cycle %q", ErrInvalidInput, s)
	}
	return c, nil
}

// PriceEntry is the immutable price of one (tier, cycle) pair.
type PriceEntry struct {
	Tier            PlanTier     `json:"plan"`
	Cycle           BillingCycle `json:"billingCycle"`
	ExternalPriceID string       `json:"priceId"`
	AmountCents     int64        `json:"amountCents"`
}
