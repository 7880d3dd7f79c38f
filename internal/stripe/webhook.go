package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/fleet-billing/internal/domain"
)

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
// Event types the service doesn't act on are returned with only ID, Type and CreatedAt set.
func (sc *Client) ParseWebhook(payload []byte, signature string) (*domain.ProviderEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, sc.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		sc.log.Warnw("Webhook signature verification failed", "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrWebhookValidationFailed, err)
	}

	out := &domain.ProviderEvent{
		ID:        event.ID,
		Type:      domain.ProviderEventType(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}

	switch out.Type {
	case domain.ProviderEventInvoicePaid, domain.ProviderEventInvoicePaymentSucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("stripe: failed to decode invoice event %s: %w", event.ID, err)
		}
		if inv.Subscription != nil {
			out.ExternalSubscriptionID = inv.Subscription.ID
		}
		if inv.Customer != nil {
			out.ExternalCustomerID = inv.Customer.ID
		}
		out.Status = string(inv.Status)
		out.PriceID = paidPriceID(inv.Lines)

	case domain.ProviderEventSubscriptionUpdated, domain.ProviderEventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("stripe: failed to decode subscription event %s: %w", event.ID, err)
		}
		snap := snapshotFromSubscription(&sub)
		out.ExternalSubscriptionID = snap.ID
		out.Status = snap.Status
		out.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
		out.PriceID = snap.LineItemPriceID
		out.TenantID = snap.Metadata[MetadataTenantIDKey]
		if sub.Customer != nil {
			out.ExternalCustomerID = sub.Customer.ID
		}
	}

	sc.log.Debugw("Webhook event verified", "eventID", out.ID, "type", string(out.Type))
	return out, nil
}

// paidPriceID returns the price the invoice bills going forward: the first
// non-proration subscription line. Proration lines carry credits and charges for
// the previous price after a mid-period change and never name the current plan.
// Returns "" when no such line exists.
func paidPriceID(lines *stripe.InvoiceLineItemList) string {
	if lines == nil {
		return ""
	}
	fallback := ""
	for _, line := range lines.Data {
		if line == nil || line.Proration || line.Price == nil {
			continue
		}
		if line.Type == stripe.InvoiceLineItemTypeSubscription {
			return line.Price.ID
		}
		if fallback == "" {
			fallback = line.Price.ID
		}
	}
	return fallback
}
