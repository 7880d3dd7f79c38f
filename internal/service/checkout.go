package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/internal/reconciler"
	"github.com/Dhoini/fleet-billing/internal/stripe"
)

// CreateIntent starts the first checkout of a tenant and returns the client payment handle.
// A repeated call inside the idempotency window returns the in-flight subscription instead
// of creating another one.
func (s *SubscriptionService) CreateIntent(ctx context.Context, req domain.IntentRequest) (*domain.IntentResult, error) {
	result, err := s.createIntent(ctx, req)
	if err != nil {
		s.reject("intent", err)
		return nil, err
	}
	s.metrics.IncCheckout(result.Reused)
	return result, nil
}

func (s *SubscriptionService) createIntent(ctx context.Context, req domain.IntentRequest) (*domain.IntentResult, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Plan) == "" || strings.TrimSpace(req.BillingCycle) == "" {
		return nil, domain.Reject(domain.CodeMissingFields, tenantID, "plan and billingCycle are required")
	}
	target, err := reconciler.ParseTarget(tenantID, req.Plan, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	plan, cycle := target.Plan, *target.Cycle
	email := strings.TrimSpace(req.Email)
	couponCode := strings.TrimSpace(req.CouponCode)

	rec, err := s.loadRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.Reject(domain.CodeUnknownTenant, tenantID, "no subscription record exists for this tenant")
	}
	if rec.Status == domain.StatusActive && rec.ExternalSubscriptionID != "" {
		return nil, domain.Reject(domain.CodeAlreadyActive, tenantID,
			"tenant already has an active subscription, use the plan change endpoint instead")
	}

	price, err := s.reconciler.Price(tenantID, plan, cycle)
	if err != nil {
		return nil, err
	}

	if rec.ExternalCustomerID == "" && email == "" {
		return nil, domain.Reject(domain.CodeMissingEmail, tenantID, "email is required to create a billing customer")
	}

	now := s.now()
	onTrial := rec.OnValidTrial(now)

	if rec.CheckoutInitiatedAt != nil && now.Sub(*rec.CheckoutInitiatedAt) < s.opts.IdempotencyWindow {
		var existing *domain.CheckoutHandle
		err := s.withRetry(ctx, "FindIncompleteSubscription", func() error {
			var findErr error
			existing, findErr = s.provider.FindIncompleteSubscription(ctx, tenantID)
			return findErr
		})
		if err != nil {
			return nil, providerError(tenantID, err)
		}
		if existing != nil {
			s.log.Infow("Reusing in-flight checkout", "tenantID", tenantID, "subscriptionID", existing.SubscriptionID)
			customerID := existing.CustomerID
			if customerID == "" {
				customerID = rec.ExternalCustomerID
			}
			return &domain.IntentResult{
				ClientSecret:   existing.ClientSecret,
				SubscriptionID: existing.SubscriptionID,
				CustomerID:     customerID,
				AmountDue:      existing.AmountDue,
				Reused:         true,
			}, nil
		}
	}

	lockAt := now.UTC()
	if _, err := s.store.Update(ctx, tenantID, domain.SubscriptionPatch{CheckoutInitiatedAt: &lockAt}); err != nil {
		s.log.Errorw("Failed to stamp checkout lock", "tenantID", tenantID, "error", err)
		return nil, storeError(tenantID, err)
	}

	var coupon *domain.Coupon
	if couponCode != "" {
		coupon, err = s.resolveCoupon(ctx, couponCode)
		if err != nil {
			s.log.Infow("Checkout rejected, coupon unusable", "tenantID", tenantID, "couponCode", couponCode, "error", err)
			return nil, couponRejection(tenantID, couponCode, err)
		}
	}

	customerID := rec.ExternalCustomerID
	if customerID == "" {
		err := s.withRetry(ctx, "GetOrCreateCustomer", func() error {
			var custErr error
			customerID, custErr = s.provider.GetOrCreateCustomer(ctx, tenantID, email)
			return custErr
		})
		if err != nil {
			return nil, providerError(tenantID, err)
		}
	}

	params := domain.NewSubscriptionParams{
		CustomerID: customerID,
		PriceID:    price.ExternalPriceID,
		Metadata: map[string]string{
			stripe.MetadataTenantIDKey: tenantID,
			metaPlan:                   string(plan),
			metaBillingCycle:           string(cycle),
		},
		IdempotencyKey: fmt.Sprintf("checkout-%s-%s-%s-%d", tenantID, plan, cycle, lockAt.UnixMilli()),
	}
	if coupon != nil {
		params.CouponID = coupon.ID
	}

	var handle *domain.CheckoutHandle
	err = s.withRetry(ctx, "CreateSubscription", func() error {
		var createErr error
		handle, createErr = s.provider.CreateSubscription(ctx, params)
		return createErr
	})
	if err != nil {
		return nil, providerError(tenantID, err)
	}

	patch := domain.SubscriptionPatch{
		ExternalSubscriptionID: domain.Ptr(handle.SubscriptionID),
		CheckoutInitiatedAt:    &lockAt,
	}
	if rec.ExternalCustomerID == "" {
		patch.ExternalCustomerID = domain.Ptr(customerID)
	}
	if !onTrial {
		patch.Status = domain.Ptr(domain.StatusIncomplete)
		patch.Plan = domain.Ptr(plan)
		patch.BillingCycle = domain.Ptr(cycle)
		patch.AmountCents = domain.Ptr(price.AmountCents)
	}
	saved, err := s.store.Update(ctx, tenantID, patch)
	if err != nil {
		return nil, s.inconsistent(tenantID, "checkout", err)
	}

	entry := &domain.HistoryEntry{
		TenantID:          tenantID,
		EventType:         domain.EventCheckoutCreated,
		FromPlan:          string(rec.Plan),
		FromBillingCycle:  string(rec.BillingCycle),
		ToPlan:            string(plan),
		ToBillingCycle:    string(cycle),
		Effective:         "immediate",
		ExternalReference: handle.SubscriptionID,
	}
	if coupon != nil {
		entry.CouponID = coupon.ID
	}
	s.appendHistory(ctx, entry)
	s.publish(ctx, domain.EventCheckoutCreated, saved)

	s.log.Infow("Checkout created", "tenantID", tenantID, "subscriptionID", handle.SubscriptionID,
		"plan", string(plan), "billingCycle", string(cycle), "onTrial", onTrial)

	result := &domain.IntentResult{
		ClientSecret:   handle.ClientSecret,
		SubscriptionID: handle.SubscriptionID,
		CustomerID:     customerID,
		AmountDue:      handle.AmountDue,
	}
	if coupon != nil {
		result.AppliedCoupon = coupon.ID
	}
	return result, nil
}
