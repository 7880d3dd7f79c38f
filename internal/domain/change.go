package domain

import (
	"time"
)

// ChangeType classifies a plan change request.
type ChangeType string

const (
	ChangeUpgrade   ChangeType = "UPGRADE"
	ChangeDowngrade ChangeType = "DOWNGRADE"
)

// ChangeRequest asks to move a tenant to another plan and/or billing cycle.
type ChangeRequest struct {
	TenantID        string `json:"tenantId" validate:"required"`
	NewPlan         string `json:"newPlan" validate:"required"`
	NewBillingCycle string `json:"newBillingCycle,omitempty"`
	CouponCode      string `json:"couponCode,omitempty"`
}

// SubscriptionView is the subscription summary returned to callers.
type SubscriptionView struct {
	Plan                  PlanTier           `json:"plan"`
	ScheduledPlan         *PlanTier          `json:"scheduledPlan"`
	ScheduledBillingCycle *BillingCycle      `json:"scheduledBillingCycle"`
	BillingCycle          BillingCycle       `json:"billingCycle"`
	Status                SubscriptionStatus `json:"status"`
	CurrentPeriodEnd      *time.Time         `json:"currentPeriodEnd"`
	DaysRemaining         int                `json:"daysRemaining"`
}

// NewSubscriptionView builds a view of r. periodEnd may be nil.
func NewSubscriptionView(r *SubscriptionRecord, periodEnd *time.Time, now time.Time) SubscriptionView {
	v := SubscriptionView{
		Plan:                  r.Plan,
		ScheduledPlan:         r.ScheduledPlan,
		ScheduledBillingCycle: r.ScheduledBillingCycle,
		BillingCycle:          r.BillingCycle,
		Status:                r.Status,
		CurrentPeriodEnd:      periodEnd,
	}
	if periodEnd != nil {
		v.DaysRemaining = DaysUntil(now, *periodEnd)
	}
	return v
}

// DaysUntil counts whole days from now to t, rounded up, never negative.
func DaysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// ChangeResult is the outcome of an accepted plan change.
type ChangeResult struct {
	Success             bool             `json:"success"`
	ChangeType          ChangeType       `json:"changeType"`
	CancellationCleared bool             `json:"cancellationCleared"`
	AppliedCoupon       string           `json:"appliedCoupon,omitempty"`
	Subscription        SubscriptionView `json:"subscription"`
	Message             string           `json:"message"`
}

// IntentRequest starts the first checkout of a tenant.
type IntentRequest struct {
	TenantID     string `json:"tenantId" validate:"required"`
	Plan         string `json:"plan" validate:"required"`
	BillingCycle string `json:"billingCycle" validate:"required"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	CouponCode   string `json:"couponCode,omitempty"`
}

// IntentResult is the client facing payment handle of a checkout.
type IntentResult struct {
	ClientSecret   string `json:"clientSecret"`
	SubscriptionID string `json:"subscriptionId"`
	CustomerID     string `json:"customerId"`
	AppliedCoupon  string `json:"appliedCoupon,omitempty"`
	AmountDue      int64  `json:"amountDue"`
	Reused         bool   `json:"reused"`
}

// RegisterRequest creates the trialing record of a new tenant.
type RegisterRequest struct {
	TenantID     string `json:"tenantId" validate:"required"`
	Plan         string `json:"plan,omitempty"`
	BillingCycle string `json:"billingCycle,omitempty"`
	TrialDays    *int   `json:"trialDays,omitempty" validate:"omitempty,min=0,max=90"`
}

// Coupon is a resolved provider coupon.
type Coupon struct {
	ID    string
	Valid bool
}

// CheckoutHandle is what the provider returns for an incomplete subscription.
type CheckoutHandle struct {
	SubscriptionID string
	CustomerID     string
	ClientSecret   string
	AmountDue      int64
}

// NewSubscriptionParams describes the incomplete subscription to create.
type NewSubscriptionParams struct {
	CustomerID     string
	PriceID        string
	CouponID       string
	Metadata       map[string]string
	IdempotencyKey string
}

// PriceUpdateParams describes an immediate line item price swap.
type PriceUpdateParams struct {
	SubscriptionID string
	LineItemID     string
	PriceID        string
	CouponID       string
	Metadata       map[string]string
}
