package service

import (
	"context"
	"errors"

	"github.com/Dhoini/fleet-billing/internal/domain"
)

// Webhook outcomes reported in metrics.
const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
)

// HandleProviderEvent syncs the local record with a verified provider event.
// Events are processed at most once per id when a deduplicator is configured;
// a failed event is forgotten so the provider's redelivery is handled again.
func (s *SubscriptionService) HandleProviderEvent(ctx context.Context, evt *domain.ProviderEvent) error {
	if s.dedup != nil && evt.ID != "" {
		first, err := s.dedup.MarkProcessed(ctx, evt.ID)
		if err != nil {
			s.log.Warnw("Event dedup unavailable, processing anyway", "eventID", evt.ID, "error", err)
		} else if !first {
			s.log.Infow("Duplicate provider event skipped", "eventID", evt.ID, "type", string(evt.Type))
			s.metrics.IncWebhookEvent(string(evt.Type), outcomeDuplicate)
			return nil
		}
	}

	outcome, err := s.handleProviderEvent(ctx, evt)
	if err != nil {
		s.metrics.IncWebhookEvent(string(evt.Type), outcomeFailed)
		if s.dedup != nil && evt.ID != "" {
			if fErr := s.dedup.Forget(ctx, evt.ID); fErr != nil {
				s.log.Warnw("Failed to clear event dedup marker", "eventID", evt.ID, "error", fErr)
			}
		}
		return err
	}
	s.metrics.IncWebhookEvent(string(evt.Type), outcome)
	return nil
}

func (s *SubscriptionService) handleProviderEvent(ctx context.Context, evt *domain.ProviderEvent) (string, error) {
	switch evt.Type {
	case domain.ProviderEventInvoicePaid, domain.ProviderEventInvoicePaymentSucceeded,
		domain.ProviderEventSubscriptionUpdated, domain.ProviderEventSubscriptionDeleted:
	default:
		s.log.Debugw("Ignoring provider event", "eventID", evt.ID, "type", string(evt.Type))
		return outcomeIgnored, nil
	}

	rec, err := s.recordForEvent(ctx, evt)
	if err != nil {
		return "", err
	}
	if rec == nil {
		s.log.Warnw("No subscription record for provider event", "eventID", evt.ID, "type", string(evt.Type),
			"subscriptionID", evt.ExternalSubscriptionID, "tenantID", evt.TenantID)
		return outcomeIgnored, nil
	}
	if isSubscriptionEvent(evt.Type) && rec.ExternalSubscriptionID != "" &&
		evt.ExternalSubscriptionID != "" && evt.ExternalSubscriptionID != rec.ExternalSubscriptionID {
		s.log.Infow("Ignoring event for a subscription the tenant no longer uses", "eventID", evt.ID,
			"type", string(evt.Type), "tenantID", rec.TenantID,
			"eventSubscriptionID", evt.ExternalSubscriptionID, "currentSubscriptionID", rec.ExternalSubscriptionID)
		return outcomeIgnored, nil
	}

	var (
		patch     domain.SubscriptionPatch
		eventType domain.SubscriptionEventType
	)
	switch evt.Type {
	case domain.ProviderEventInvoicePaid, domain.ProviderEventInvoicePaymentSucceeded:
		patch, eventType = s.activationPatch(rec, evt), domain.EventSubscriptionActivated
	case domain.ProviderEventSubscriptionUpdated:
		if evt.Status == domain.ExternalStatusCanceled {
			patch, eventType = s.cancellationPatch(evt), domain.EventSubscriptionCanceled
		} else {
			patch = domain.SubscriptionPatch{CancelAtPeriodEnd: domain.Ptr(evt.CancelAtPeriodEnd)}
		}
	case domain.ProviderEventSubscriptionDeleted:
		patch, eventType = s.cancellationPatch(evt), domain.EventSubscriptionCanceled
	}
	if rec.ExternalSubscriptionID == "" && evt.ExternalSubscriptionID != "" {
		patch.ExternalSubscriptionID = domain.Ptr(evt.ExternalSubscriptionID)
	}
	if rec.ExternalCustomerID == "" && evt.ExternalCustomerID != "" {
		patch.ExternalCustomerID = domain.Ptr(evt.ExternalCustomerID)
	}

	saved, err := s.store.Update(ctx, rec.TenantID, patch)
	if err != nil {
		s.log.Errorw("Failed to apply provider event", "eventID", evt.ID, "tenantID", rec.TenantID, "error", err)
		return "", storeError(rec.TenantID, err)
	}

	if eventType != "" {
		s.appendHistory(ctx, &domain.HistoryEntry{
			TenantID:          rec.TenantID,
			EventType:         eventType,
			FromPlan:          string(rec.Plan),
			FromBillingCycle:  string(rec.BillingCycle),
			ToPlan:            string(saved.Plan),
			ToBillingCycle:    string(saved.BillingCycle),
			Effective:         "immediate",
			ExternalReference: evt.ID,
		})
		s.publish(ctx, eventType, saved)
	}

	s.log.Infow("Provider event applied", "eventID", evt.ID, "type", string(evt.Type),
		"tenantID", rec.TenantID, "status", string(saved.Status))
	return outcomeApplied, nil
}

func isSubscriptionEvent(t domain.ProviderEventType) bool {
	return t == domain.ProviderEventSubscriptionUpdated || t == domain.ProviderEventSubscriptionDeleted
}

// recordForEvent prefers the tenant id from provider metadata and falls back to
// the provider subscription id. A missing record yields nil.
func (s *SubscriptionService) recordForEvent(ctx context.Context, evt *domain.ProviderEvent) (*domain.SubscriptionRecord, error) {
	if evt.TenantID != "" {
		rec, err := s.loadRecord(ctx, evt.TenantID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if evt.ExternalSubscriptionID == "" {
		return nil, nil
	}
	rec, err := s.store.FindByExternalSubscriptionID(ctx, evt.ExternalSubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, storeError(evt.TenantID, err)
	}
	return rec, nil
}

// activationPatch marks the subscription paid. The paid price becomes the current
// plan, which also applies a scheduled downgrade once its renewal invoice is paid.
func (s *SubscriptionService) activationPatch(rec *domain.SubscriptionRecord, evt *domain.ProviderEvent) domain.SubscriptionPatch {
	patch := domain.SubscriptionPatch{Status: domain.Ptr(domain.StatusActive)}
	if evt.PriceID == "" {
		return patch
	}
	entry, ok := s.catalog.LookupByPriceID(evt.PriceID)
	if !ok {
		s.log.Warnw("Paid price is not in the catalog", "eventID", evt.ID, "priceID", evt.PriceID)
		return patch
	}
	patch.Plan = domain.Ptr(entry.Tier)
	patch.BillingCycle = domain.Ptr(entry.Cycle)
	patch.AmountCents = domain.Ptr(entry.AmountCents)
	if rec.HasScheduledChange() && *rec.ScheduledPlan == entry.Tier && *rec.ScheduledBillingCycle == entry.Cycle {
		patch.ClearScheduled = true
	}
	return patch
}

func (s *SubscriptionService) cancellationPatch(evt *domain.ProviderEvent) domain.SubscriptionPatch {
	canceledAt := s.now().UTC()
	if !evt.CreatedAt.IsZero() {
		canceledAt = evt.CreatedAt
	}
	return domain.SubscriptionPatch{
		Status:            domain.Ptr(domain.StatusCanceled),
		CanceledAt:        &canceledAt,
		CancelAtPeriodEnd: domain.Ptr(false),
		ClearScheduled:    true,
	}
}
