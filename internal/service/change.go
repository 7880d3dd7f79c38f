package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/internal/reconciler"
)

// Metadata keys written on the provider subscription.
const (
	metaPlan                  = "plan"
	metaBillingCycle          = "billing_cycle"
	metaScheduledPriceID      = "scheduled_price_id"
	metaScheduledPlan         = "scheduled_plan"
	metaScheduledBillingCycle = "scheduled_billing_cycle"
	metaScheduledAt           = "scheduled_at"
)

// ChangePlan moves a tenant to another plan and/or billing cycle.
// Upgrades apply immediately with proration; downgrades are scheduled for the period end.
func (s *SubscriptionService) ChangePlan(ctx context.Context, req domain.ChangeRequest) (*domain.ChangeResult, error) {
	result, err := s.changePlan(ctx, req)
	if err != nil {
		s.reject("change", err)
		return nil, err
	}
	s.metrics.IncPlanChange(string(result.ChangeType))
	return result, nil
}

func (s *SubscriptionService) changePlan(ctx context.Context, req domain.ChangeRequest) (*domain.ChangeResult, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.NewPlan) == "" {
		return nil, domain.Reject(domain.CodeMissingFields, tenantID, "newPlan is required")
	}
	target, err := reconciler.ParseTarget(tenantID, req.NewPlan, req.NewBillingCycle)
	if err != nil {
		return nil, err
	}

	rec, err := s.loadRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	decision, err := s.reconciler.Decide(tenantID, rec, target)
	if err != nil {
		s.log.Infow("Plan change rejected", "tenantID", tenantID, "code", domain.CodeOf(err))
		return nil, err
	}

	var snap *domain.ExternalSubscriptionSnapshot
	err = s.withRetry(ctx, "GetSubscription", func() error {
		var getErr error
		snap, getErr = s.provider.GetSubscription(ctx, rec.ExternalSubscriptionID)
		return getErr
	})
	if err != nil {
		return nil, providerError(tenantID, err)
	}
	if err := reconciler.CheckExternal(tenantID, snap); err != nil {
		return nil, err
	}

	s.log.Infow("Applying plan change",
		"tenantID", tenantID,
		"type", string(decision.Type),
		"from", describeTarget(decision.FromPlan, decision.FromCycle),
		"to", describeTarget(decision.TargetPlan, decision.TargetCycle))

	if decision.Type == domain.ChangeUpgrade {
		return s.applyUpgrade(ctx, rec, snap, decision, strings.TrimSpace(req.CouponCode))
	}
	return s.applyDowngrade(ctx, rec, snap, decision)
}

func (s *SubscriptionService) applyUpgrade(
	ctx context.Context,
	rec *domain.SubscriptionRecord,
	snap *domain.ExternalSubscriptionSnapshot,
	d reconciler.Decision,
	couponCode string,
) (*domain.ChangeResult, error) {
	tenantID := rec.TenantID

	couponID := ""
	if couponCode != "" {
		coupon, err := s.resolveCoupon(ctx, couponCode)
		if err != nil {
			s.metrics.IncCouponSoftFailure()
			s.log.Warnw("Coupon could not be applied, upgrading without it",
				"tenantID", tenantID, "couponCode", couponCode, "error", err)
		} else {
			couponID = coupon.ID
		}
	}

	if snap.LineItemID == "" {
		return nil, domain.NewSubscriptionError(domain.CodeProviderError, "provider subscription has no line item",
			tenantID, http.StatusBadGateway, nil)
	}

	var updated *domain.ExternalSubscriptionSnapshot
	err := s.withRetry(ctx, "UpdateSubscriptionPrice", func() error {
		var updErr error
		updated, updErr = s.provider.UpdateSubscriptionPrice(ctx, domain.PriceUpdateParams{
			SubscriptionID: snap.ID,
			LineItemID:     snap.LineItemID,
			PriceID:        d.Price.ExternalPriceID,
			CouponID:       couponID,
			Metadata: map[string]string{
				metaPlan:         string(d.TargetPlan),
				metaBillingCycle: string(d.TargetCycle),
			},
		})
		return updErr
	})
	if err != nil {
		return nil, providerError(tenantID, err)
	}

	cancellationCleared := snap.CancelAtPeriodEnd || rec.CancelAtPeriodEnd
	patch := domain.SubscriptionPatch{
		Plan:              domain.Ptr(d.TargetPlan),
		BillingCycle:      domain.Ptr(d.TargetCycle),
		AmountCents:       domain.Ptr(d.Price.AmountCents),
		CancelAtPeriodEnd: domain.Ptr(false),
		ClearScheduled:    true,
		ClearCanceledAt:   true,
	}
	saved, err := s.store.Update(ctx, tenantID, patch)
	if err != nil {
		return nil, s.inconsistent(tenantID, "upgrade", err)
	}

	periodEnd := snap.CurrentPeriodEnd()
	if updated != nil && updated.CurrentPeriodEnd() != nil {
		periodEnd = updated.CurrentPeriodEnd()
	}

	s.appendHistory(ctx, &domain.HistoryEntry{
		TenantID:          tenantID,
		EventType:         domain.EventSubscriptionUpgraded,
		FromPlan:          string(d.FromPlan),
		FromBillingCycle:  string(d.FromCycle),
		ToPlan:            string(d.TargetPlan),
		ToBillingCycle:    string(d.TargetCycle),
		Effective:         "immediate",
		CouponID:          couponID,
		ExternalReference: snap.ID,
	})
	s.publish(ctx, domain.EventSubscriptionUpgraded, saved)

	s.log.Infow("Subscription upgraded", "tenantID", tenantID, "plan", string(d.TargetPlan),
		"billingCycle", string(d.TargetCycle), "coupon", couponID, "cancellationCleared", cancellationCleared)

	return &domain.ChangeResult{
		Success:             true,
		ChangeType:          domain.ChangeUpgrade,
		CancellationCleared: cancellationCleared,
		AppliedCoupon:       couponID,
		Subscription:        domain.NewSubscriptionView(saved, periodEnd, s.now()),
		Message:             reconciler.UpgradeMessage(d, cancellationCleared),
	}, nil
}

func (s *SubscriptionService) applyDowngrade(
	ctx context.Context,
	rec *domain.SubscriptionRecord,
	snap *domain.ExternalSubscriptionSnapshot,
	d reconciler.Decision,
) (*domain.ChangeResult, error) {
	tenantID := rec.TenantID
	now := s.now()

	if snap.CancelAtPeriodEnd {
		err := s.withRetry(ctx, "ClearCancelAtPeriodEnd", func() error {
			return s.provider.ClearCancelAtPeriodEnd(ctx, snap.ID)
		})
		if err != nil {
			return nil, providerError(tenantID, err)
		}
	}

	metadata := map[string]string{
		metaScheduledPriceID:      d.Price.ExternalPriceID,
		metaScheduledPlan:         string(d.TargetPlan),
		metaScheduledBillingCycle: string(d.TargetCycle),
		metaScheduledAt:           now.UTC().Format(time.RFC3339),
	}
	err := s.withRetry(ctx, "UpdateMetadata", func() error {
		return s.provider.UpdateMetadata(ctx, snap.ID, metadata)
	})
	if err != nil {
		return nil, providerError(tenantID, err)
	}

	if rec.HasScheduledChange() {
		s.log.Infow("Replacing previously scheduled downgrade", "tenantID", tenantID,
			"previous", describeTarget(*rec.ScheduledPlan, *rec.ScheduledBillingCycle))
	}

	cancellationCleared := snap.CancelAtPeriodEnd || rec.CancelAtPeriodEnd
	patch := domain.SubscriptionPatch{
		Scheduled: &domain.ScheduledChange{
			Plan:        d.TargetPlan,
			Cycle:       d.TargetCycle,
			AmountCents: d.Price.AmountCents,
		},
		CancelAtPeriodEnd: domain.Ptr(false),
		ClearCanceledAt:   true,
	}
	saved, err := s.store.Update(ctx, tenantID, patch)
	if err != nil {
		return nil, s.inconsistent(tenantID, "downgrade", err)
	}

	periodEnd := snap.CurrentPeriodEnd()

	s.appendHistory(ctx, &domain.HistoryEntry{
		TenantID:          tenantID,
		EventType:         domain.EventDowngradeScheduled,
		FromPlan:          string(d.FromPlan),
		FromBillingCycle:  string(d.FromCycle),
		ToPlan:            string(d.TargetPlan),
		ToBillingCycle:    string(d.TargetCycle),
		Effective:         "period_end",
		ExternalReference: snap.ID,
	})
	s.publish(ctx, domain.EventDowngradeScheduled, saved)

	s.log.Infow("Downgrade scheduled", "tenantID", tenantID, "scheduledPlan", string(d.TargetPlan),
		"scheduledBillingCycle", string(d.TargetCycle), "cancellationCleared", cancellationCleared)

	return &domain.ChangeResult{
		Success:             true,
		ChangeType:          domain.ChangeDowngrade,
		CancellationCleared: cancellationCleared,
		Subscription:        domain.NewSubscriptionView(saved, periodEnd, now),
		Message:             reconciler.DowngradeMessage(d, periodEnd, cancellationCleared),
	}, nil
}

// resolveCoupon retries transient provider failures. Unknown and expired coupons fail immediately.
func (s *SubscriptionService) resolveCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	var coupon *domain.Coupon
	err := s.withRetry(ctx, "ResolveCoupon", func() error {
		var resErr error
		coupon, resErr = s.provider.ResolveCoupon(ctx, code)
		return resErr
	})
	if err != nil {
		return nil, err
	}
	if coupon == nil || !coupon.Valid {
		return nil, domain.ErrCouponExpired
	}
	return coupon, nil
}

func couponRejection(tenantID, code string, err error) error {
	switch {
	case errors.Is(err, domain.ErrCouponNotFound):
		return domain.NewSubscriptionError(domain.CodeInvalidCoupon, "coupon code "+code+" is not valid",
			tenantID, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrCouponExpired):
		return domain.NewSubscriptionError(domain.CodeExpiredCoupon, "coupon code "+code+" has expired",
			tenantID, http.StatusBadRequest, err)
	default:
		return providerError(tenantID, err)
	}
}
