// Package reconciler holds the decision rules for subscription plan changes.
// It performs no I/O: callers load state, ask for a decision and apply the effects.
package reconciler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Dhoini/fleet-billing/internal/catalog"
	"github.com/Dhoini/fleet-billing/internal/domain"
)

// PriceLookup resolves catalog prices.
type PriceLookup interface {
	PriceFor(tier domain.PlanTier, cycle domain.BillingCycle) (domain.PriceEntry, error)
}

// Target is a validated change target. Cycle is nil when the caller kept the current cycle.
type Target struct {
	Plan  domain.PlanTier
	Cycle *domain.BillingCycle
}

// Decision is an accepted, classified change.
type Decision struct {
	Type        domain.ChangeType
	FromPlan    domain.PlanTier
	FromCycle   domain.BillingCycle
	TargetPlan  domain.PlanTier
	TargetCycle domain.BillingCycle
	Price       domain.PriceEntry
}

// Reconciler classifies plan change requests.
type Reconciler struct {
	prices PriceLookup
}

// New creates a Reconciler over the given price table.
func New(prices PriceLookup) *Reconciler {
	return &Reconciler{prices: prices}
}

// ParseTarget validates the requested plan and optional cycle.
func ParseTarget(tenantID, plan, cycle string) (Target, error) {
	tier, err := domain.ParsePlanTier(plan)
	if err != nil {
		return Target{}, domain.NewSubscriptionError(domain.CodeInvalidPlan,
			fmt.Sprintf("plan %q is not one of basic, premium, fleet", plan), tenantID, http.StatusBadRequest, err)
	}
	t := Target{Plan: tier}
	if strings.TrimSpace(cycle) != "" {
		c, err := domain.ParseBillingCycle(cycle)
		if err != nil {
			return Target{}, domain.NewSubscriptionError(domain.CodeInvalidCycle,
				fmt.Sprintf("billing cycle %q is not one of monthly, yearly", cycle), tenantID, http.StatusBadRequest, err)
		}
		t.Cycle = &c
	}
	return t, nil
}

// Decide runs the local precondition checks and classifies the change.
// Checks run in order: unknown tenant, no external subscription, no-op, price not configured.
// None of them needs the provider, so a rejected request makes no remote calls.
// SUBSCRIPTION_NOT_ACTIVE needs the provider snapshot and is checked afterwards by CheckExternal.
func (r *Reconciler) Decide(tenantID string, rec *domain.SubscriptionRecord, target Target) (Decision, error) {
	if rec == nil {
		return Decision{}, domain.Reject(domain.CodeUnknownTenant, tenantID, "no subscription record exists for this tenant")
	}
	if rec.ExternalSubscriptionID == "" {
		return Decision{}, domain.Reject(domain.CodeNoExternalSubscription, tenantID,
			"no active subscription found, complete checkout before changing plans")
	}

	cycle := rec.BillingCycle
	if target.Cycle != nil {
		cycle = *target.Cycle
	}
	if target.Plan == rec.Plan && cycle == rec.BillingCycle {
		return Decision{}, domain.Reject(domain.CodeNoOp, tenantID,
			fmt.Sprintf("you are already on the %s plan with %s billing", rec.Plan.DisplayName(), cycle))
	}

	price, err := r.Price(tenantID, target.Plan, cycle)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Type:        Classify(rec.Plan, rec.BillingCycle, target.Plan, cycle),
		FromPlan:    rec.Plan,
		FromCycle:   rec.BillingCycle,
		TargetPlan:  target.Plan,
		TargetCycle: cycle,
		Price:       price,
	}, nil
}

// Price looks up the catalog entry, rejecting with PRICE_NOT_CONFIGURED when it is missing.
func (r *Reconciler) Price(tenantID string, tier domain.PlanTier, cycle domain.BillingCycle) (domain.PriceEntry, error) {
	price, err := r.prices.PriceFor(tier, cycle)
	if err != nil {
		if errors.Is(err, catalog.ErrNotConfigured) {
			return domain.PriceEntry{}, domain.NewSubscriptionError(domain.CodePriceNotConfigured,
				fmt.Sprintf("pricing for %s %s is not configured", tier.DisplayName(), cycle), tenantID, http.StatusInternalServerError, err)
		}
		return domain.PriceEntry{}, err
	}
	return price, nil
}

// CheckExternal rejects changes to a subscription the provider reports as canceled.
func CheckExternal(tenantID string, snap *domain.ExternalSubscriptionSnapshot) error {
	if snap == nil || snap.Status == domain.ExternalStatusCanceled {
		return domain.Reject(domain.CodeSubscriptionNotActive, tenantID,
			"subscription is canceled, start a new checkout instead")
	}
	return nil
}

// Classify decides between upgrade and downgrade. The tier direction wins over the
// cycle direction; with an unchanged tier monthly to yearly is an upgrade and
// yearly to monthly a downgrade. The pair must differ from the current one.
func Classify(fromPlan domain.PlanTier, fromCycle domain.BillingCycle, toPlan domain.PlanTier, toCycle domain.BillingCycle) domain.ChangeType {
	tierDelta := toPlan.Order() - fromPlan.Order()
	switch {
	case tierDelta > 0:
		return domain.ChangeUpgrade
	case tierDelta < 0:
		return domain.ChangeDowngrade
	}
	if toCycle.Order()-fromCycle.Order() > 0 {
		return domain.ChangeUpgrade
	}
	return domain.ChangeDowngrade
}

const cancellationNote = " Your pending cancellation has been removed."

// UpgradeMessage describes an immediately applied change.
func UpgradeMessage(d Decision, cancellationCleared bool) string {
	var b strings.Builder
	if d.TargetPlan == d.FromPlan {
		fmt.Fprintf(&b, "Your %s plan now bills %s.", d.TargetPlan.DisplayName(), d.TargetCycle)
	} else {
		fmt.Fprintf(&b, "Your plan has been upgraded to %s (%s billing).", d.TargetPlan.DisplayName(), d.TargetCycle)
	}
	b.WriteString(" The change takes effect immediately.")
	if cancellationCleared {
		b.WriteString(cancellationNote)
	}
	return b.String()
}

// DowngradeMessage describes a change deferred to the end of the current period.
func DowngradeMessage(d Decision, periodEnd *time.Time, cancellationCleared bool) string {
	var b strings.Builder
	when := "at the end of your current billing period"
	if periodEnd != nil {
		when = "on " + periodEnd.UTC().Format("January 2, 2006")
	}
	fmt.Fprintf(&b, "Your plan will change to %s (%s billing) %s.", d.TargetPlan.DisplayName(), d.TargetCycle, when)
	fmt.Fprintf(&b, " Your current %s features remain available until then.", d.FromPlan.DisplayName())
	if cancellationCleared {
		b.WriteString(cancellationNote)
	}
	return b.String()
}
