package domain

import (
	"time"
)

// ProviderEventType is a payment provider webhook event type the service reacts to.
type ProviderEventType string

const (
	ProviderEventInvoicePaid             ProviderEventType = "invoice.paid"
	ProviderEventInvoicePaymentSucceeded ProviderEventType = "invoice.payment_succeeded"
	ProviderEventSubscriptionUpdated     ProviderEventType = "customer.subscription.updated"
	ProviderEventSubscriptionDeleted     ProviderEventType = "customer.subscription.deleted"
)

// ProviderEvent is a verified, decoded provider webhook.
type ProviderEvent struct {
	ID                     string
	Type                   ProviderEventType
	ExternalSubscriptionID string
	ExternalCustomerID     string
	TenantID               string // from subscription metadata, may be empty
	PriceID                string
	Status                 string
	CancelAtPeriodEnd      bool
	CreatedAt              time.Time
}

// SubscriptionEventType is the type of an outbound lifecycle event.
type SubscriptionEventType string

const (
	EventTenantRegistered      SubscriptionEventType = "subscription.registered"
	EventCheckoutCreated       SubscriptionEventType = "subscription.checkout_created"
	EventSubscriptionUpgraded  SubscriptionEventType = "subscription.upgraded"
	EventDowngradeScheduled    SubscriptionEventType = "subscription.downgrade_scheduled"
	EventSubscriptionActivated SubscriptionEventType = "subscription.activated"
	EventSubscriptionCanceled  SubscriptionEventType = "subscription.canceled"
)

// SubscriptionEvent is published after every accepted state change.
type SubscriptionEvent struct {
	ID                     string                `json:"id"`
	Type                   SubscriptionEventType `json:"type"`
	TenantID               string                `json:"tenant_id"`
	ExternalSubscriptionID string                `json:"external_subscription_id,omitempty"`
	Plan                   PlanTier              `json:"plan"`
	BillingCycle           BillingCycle          `json:"billing_cycle"`
	Status                 SubscriptionStatus    `json:"status"`
	ScheduledPlan          *PlanTier             `json:"scheduled_plan,omitempty"`
	ScheduledBillingCycle  *BillingCycle         `json:"scheduled_billing_cycle,omitempty"`
	OccurredAt             time.Time             `json:"occurred_at"`
}

// HistoryEntry is one row of a tenant's change history.
type HistoryEntry struct {
	ID                int64                 `json:"id" db:"id"`
	TenantID          string                `json:"tenantId" db:"tenant_id"`
	EventType         SubscriptionEventType `json:"eventType" db:"event_type"`
	FromPlan          string                `json:"fromPlan,omitempty" db:"from_plan"`
	FromBillingCycle  string                `json:"fromBillingCycle,omitempty" db:"from_billing_cycle"`
	ToPlan            string                `json:"toPlan" db:"to_plan"`
	ToBillingCycle    string                `json:"toBillingCycle" db:"to_billing_cycle"`
	Effective         string                `json:"effective" db:"effective"` // "immediate" or "period_end"
	CouponID          string                `json:"couponId,omitempty" db:"coupon_id"`
	ExternalReference string                `json:"externalReference,omitempty" db:"external_reference"`
	CreatedAt         time.Time             `json:"createdAt" db:"created_at"`
}
