package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/internal/reconciler"
)

// RegisterTenant creates the trialing record of a new tenant.
func (s *SubscriptionService) RegisterTenant(ctx context.Context, req domain.RegisterRequest) (*domain.SubscriptionRecord, error) {
	rec, err := s.registerTenant(ctx, req)
	if err != nil {
		s.reject("register", err)
		return nil, err
	}
	return rec, nil
}

func (s *SubscriptionService) registerTenant(ctx context.Context, req domain.RegisterRequest) (*domain.SubscriptionRecord, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}

	planName := req.Plan
	if strings.TrimSpace(planName) == "" {
		planName = string(domain.PlanBasic)
	}
	cycleName := req.BillingCycle
	if strings.TrimSpace(cycleName) == "" {
		cycleName = string(domain.CycleMonthly)
	}
	target, err := reconciler.ParseTarget(tenantID, planName, cycleName)
	if err != nil {
		return nil, err
	}

	trialDays := s.opts.DefaultTrialDays
	if req.TrialDays != nil {
		trialDays = *req.TrialDays
	}
	if trialDays < 0 {
		return nil, domain.Reject(domain.CodeMissingFields, tenantID, "trialDays must not be negative")
	}

	now := s.now().UTC()
	rec := &domain.SubscriptionRecord{
		TenantID:     tenantID,
		Plan:         target.Plan,
		BillingCycle: *target.Cycle,
		Status:       domain.StatusIncomplete,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if trialDays > 0 {
		trialEnd := now.Add(time.Duration(trialDays) * 24 * time.Hour)
		rec.Status = domain.StatusTrialing
		rec.TrialEndsAt = &trialEnd
	}
	// Amount is informational until checkout, so an unpriced pair is not an error here.
	if price, err := s.catalog.PriceFor(rec.Plan, rec.BillingCycle); err == nil {
		rec.AmountCents = price.AmountCents
	}

	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, domain.Reject(domain.CodeTenantExists, tenantID, "tenant already has a subscription record")
		}
		s.log.Errorw("Failed to create subscription record", "tenantID", tenantID, "error", err)
		return nil, storeError(tenantID, err)
	}

	s.appendHistory(ctx, &domain.HistoryEntry{
		TenantID:       tenantID,
		EventType:      domain.EventTenantRegistered,
		ToPlan:         string(rec.Plan),
		ToBillingCycle: string(rec.BillingCycle),
		Effective:      "immediate",
	})
	s.publish(ctx, domain.EventTenantRegistered, rec)

	s.log.Infow("Tenant registered", "tenantID", tenantID, "plan", string(rec.Plan),
		"billingCycle", string(rec.BillingCycle), "trialDays", trialDays)
	return rec, nil
}

// GetSubscription returns the stored record of a tenant.
func (s *SubscriptionService) GetSubscription(ctx context.Context, tenantID string) (*domain.SubscriptionRecord, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	rec, err := s.loadRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.Reject(domain.CodeUnknownTenant, tenantID, "no subscription record exists for this tenant")
	}
	return rec, nil
}

// ListHistory returns the newest history entries of a tenant. Without a history
// store the list is empty.
func (s *SubscriptionService) ListHistory(ctx context.Context, tenantID string, limit int) ([]domain.HistoryEntry, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []domain.HistoryEntry{}, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	entries, err := s.history.ListByTenant(ctx, tenantID, limit)
	if err != nil {
		s.log.Errorw("Failed to list subscription history", "tenantID", tenantID, "error", err)
		return nil, storeError(tenantID, err)
	}
	return entries, nil
}
