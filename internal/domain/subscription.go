package domain

import (
	"time"
)

// SubscriptionStatus is the local lifecycle state of a tenant's subscription.
type SubscriptionStatus string

const (
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusActive     SubscriptionStatus = "active"
	StatusCanceled   SubscriptionStatus = "canceled"
)

// SubscriptionRecord is the persisted subscription state of one tenant.
type SubscriptionRecord struct {
	TenantID               string             `json:"tenantId" db:"tenant_id"`
	ExternalCustomerID     string             `json:"externalCustomerId,omitempty" db:"external_customer_id"`
	ExternalSubscriptionID string             `json:"externalSubscriptionId,omitempty" db:"external_subscription_id"`
	Plan                   PlanTier           `json:"plan" db:"plan"`
	BillingCycle           BillingCycle       `json:"billingCycle" db:"billing_cycle"`
	Status                 SubscriptionStatus `json:"status" db:"status"`
	AmountCents            int64              `json:"amountCents" db:"amount_cents"`
	TrialEndsAt            *time.Time         `json:"trialEndsAt,omitempty" db:"trial_ends_at"`
	ScheduledPlan          *PlanTier          `json:"scheduledPlan,omitempty" db:"scheduled_plan"`
	ScheduledBillingCycle  *BillingCycle      `json:"scheduledBillingCycle,omitempty" db:"scheduled_billing_cycle"`
	ScheduledAmountCents   *int64             `json:"scheduledAmountCents,omitempty" db:"scheduled_amount_cents"`
	CancelAtPeriodEnd      bool               `json:"cancelAtPeriodEnd" db:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceledAt,omitempty" db:"canceled_at"`
	CheckoutInitiatedAt    *time.Time         `json:"checkoutInitiatedAt,omitempty" db:"checkout_initiated_at"`
	CreatedAt              time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt              time.Time          `json:"updatedAt" db:"updated_at"`
}

// OnValidTrial reports whether the tenant is trialing with a trial end in the future.
func (r *SubscriptionRecord) OnValidTrial(now time.Time) bool {
	return r.Status == StatusTrialing && r.TrialEndsAt != nil && r.TrialEndsAt.After(now)
}

// HasScheduledChange reports whether a deferred downgrade is pending.
func (r *SubscriptionRecord) HasScheduledChange() bool {
	return r.ScheduledPlan != nil && r.ScheduledBillingCycle != nil
}

// Clone returns a deep copy so callers can't mutate a stored record.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.TrialEndsAt = cloneTime(r.TrialEndsAt)
	c.CanceledAt = cloneTime(r.CanceledAt)
	c.CheckoutInitiatedAt = cloneTime(r.CheckoutInitiatedAt)
	if r.ScheduledPlan != nil {
		p := *r.ScheduledPlan
		c.ScheduledPlan = &p
	}
	if r.ScheduledBillingCycle != nil {
		bc := *r.ScheduledBillingCycle
		c.ScheduledBillingCycle = &bc
	}
	if r.ScheduledAmountCents != nil {
		a := *r.ScheduledAmountCents
		c.ScheduledAmountCents = &a
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ScheduledChange is a deferred downgrade. Plan and cycle are always set together.
type ScheduledChange struct {
	Plan        PlanTier
	Cycle       BillingCycle
	AmountCents int64
}

// SubscriptionPatch is a partial update of a SubscriptionRecord.
// Nil fields are left untouched.
type SubscriptionPatch struct {
	ExternalCustomerID     *string
	ExternalSubscriptionID *string
	Plan                   *PlanTier
	BillingCycle           *BillingCycle
	Status                 *SubscriptionStatus
	AmountCents            *int64
	CancelAtPeriodEnd      *bool
	CheckoutInitiatedAt    *time.Time
	CanceledAt             *time.Time

	// Scheduled sets the pending downgrade; ClearScheduled removes it.
	Scheduled      *ScheduledChange
	ClearScheduled bool

	ClearCanceledAt bool
}

// IsEmpty reports whether the patch changes nothing.
func (p SubscriptionPatch) IsEmpty() bool {
	return p.ExternalCustomerID == nil && p.ExternalSubscriptionID == nil &&
		p.Plan == nil && p.BillingCycle == nil && p.Status == nil &&
		p.AmountCents == nil && p.CancelAtPeriodEnd == nil &&
		p.CheckoutInitiatedAt == nil && p.CanceledAt == nil &&
		p.Scheduled == nil && !p.ClearScheduled && !p.ClearCanceledAt
}

// Apply writes the patch into r and stamps UpdatedAt.
func (p SubscriptionPatch) Apply(r *SubscriptionRecord, now time.Time) {
	if p.ExternalCustomerID != nil {
		r.ExternalCustomerID = *p.ExternalCustomerID
	}
	if p.ExternalSubscriptionID != nil {
		r.ExternalSubscriptionID = *p.ExternalSubscriptionID
	}
	if p.Plan != nil {
		r.Plan = *p.Plan
	}
	if p.BillingCycle != nil {
		r.BillingCycle = *p.BillingCycle
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.AmountCents != nil {
		r.AmountCents = *p.AmountCents
	}
	if p.CancelAtPeriodEnd != nil {
		r.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.CheckoutInitiatedAt != nil {
		r.CheckoutInitiatedAt = cloneTime(p.CheckoutInitiatedAt)
	}
	if p.ClearCanceledAt {
		r.CanceledAt = nil
	} else if p.CanceledAt != nil {
		r.CanceledAt = cloneTime(p.CanceledAt)
	}
	if p.ClearScheduled {
		r.ScheduledPlan = nil
		r.ScheduledBillingCycle = nil
		r.ScheduledAmountCents = nil
	} else if p.Scheduled != nil {
		plan, cycle, amount := p.Scheduled.Plan, p.Scheduled.Cycle, p.Scheduled.AmountCents
		r.ScheduledPlan = &plan
		r.ScheduledBillingCycle = &cycle
		r.ScheduledAmountCents = &amount
	}
	r.UpdatedAt = now
}

// ExternalSubscriptionSnapshot is the provider's view of a subscription.
type ExternalSubscriptionSnapshot struct {
	ID                    string
	Status                string
	CurrentPeriodEndEpoch int64
	CancelAtPeriodEnd     bool
	LineItemID            string
	LineItemPriceID       string
	Metadata              map[string]string
}

// Provider subscription statuses the service branches on.
const (
	ExternalStatusIncomplete = "incomplete"
	ExternalStatusCanceled   = "canceled"
)

// CurrentPeriodEnd converts the period end epoch to a time, nil when unknown.
func (s *ExternalSubscriptionSnapshot) CurrentPeriodEnd() *time.Time {
	if s == nil || s.CurrentPeriodEndEpoch == 0 {
		return nil
	}
	t := time.Unix(s.CurrentPeriodEndEpoch, 0).UTC()
	return &t
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
