package repository

import (
	"context"

	"github.com/Dhoini/fleet-billing/internal/domain"
)

// SubscriptionStore persists one SubscriptionRecord per tenant.
// Writes are last-write-wins; there are no transactions across calls.
type SubscriptionStore interface {
	// Get returns the record of a tenant or ErrNotFound.
	Get(ctx context.Context, tenantID string) (*domain.SubscriptionRecord, error)

	// Create inserts a new record, ErrDuplicate when the tenant already has one.
	Create(ctx context.Context, rec *domain.SubscriptionRecord) error

	// Update applies a partial update and returns the resulting record.
	Update(ctx context.Context, tenantID string, patch domain.SubscriptionPatch) (*domain.SubscriptionRecord, error)

	// FindByExternalSubscriptionID looks a record up by the provider subscription id.
	FindByExternalSubscriptionID(ctx context.Context, externalSubscriptionID string) (*domain.SubscriptionRecord, error)
}

// HistoryStore is the append-only log of accepted subscription changes.
type HistoryStore interface {
	Append(ctx context.Context, entry *domain.HistoryEntry) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.HistoryEntry, error)
}

// EventDeduplicator remembers which provider webhook events were already handled.
type EventDeduplicator interface {
	// MarkProcessed records eventID and reports whether it was seen for the first time.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
	// Forget removes the marker so a failed event can be retried.
	Forget(ctx context.Context, eventID string) error
}
