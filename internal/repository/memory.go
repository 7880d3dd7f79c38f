package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

// InMemorySubscriptionStore keeps subscription records in memory
type InMemorySubscriptionStore struct {
	records map[string]*domain.SubscriptionRecord
	mutex   sync.RWMutex
	now     func() time.Time
	log     *logger.Logger
}

// NewInMemorySubscriptionStore creates an empty in-memory store
func NewInMemorySubscriptionStore(log *logger.Logger) *InMemorySubscriptionStore {
	return &InMemorySubscriptionStore{
		records: make(map[string]*domain.SubscriptionRecord),
		now:     time.Now,
		log:     log,
	}
}

// Get returns a copy of the tenant's record
func (r *InMemorySubscriptionStore) Get(ctx context.Context, tenantID string) (*domain.SubscriptionRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rec, exists := r.records[tenantID]
	if !exists {
		return nil, domain.NewNotFoundError("subscription", tenantID)
	}
	return rec.Clone(), nil
}

// Create stores a new record
func (r *InMemorySubscriptionStore) Create(ctx context.Context, rec *domain.SubscriptionRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.records[rec.TenantID]; exists {
		return domain.NewDuplicateError("subscription", "tenant_id", rec.TenantID)
	}

	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	r.records[rec.TenantID] = rec.Clone()

	r.log.Debugw("Subscription record created", "tenantID", rec.TenantID, "status", rec.Status)
	return nil
}

// Update applies patch to the stored record
func (r *InMemorySubscriptionStore) Update(ctx context.Context, tenantID string, patch domain.SubscriptionPatch) (*domain.SubscriptionRecord, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec, exists := r.records[tenantID]
	if !exists {
		return nil, domain.NewNotFoundError("subscription", tenantID)
	}

	patch.Apply(rec, r.now())
	return rec.Clone(), nil
}

// FindByExternalSubscriptionID scans for the record referencing a provider subscription
func (r *InMemorySubscriptionStore) FindByExternalSubscriptionID(ctx context.Context, externalSubscriptionID string) (*domain.SubscriptionRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, rec := range r.records {
		if externalSubscriptionID != "" && rec.ExternalSubscriptionID == externalSubscriptionID {
			return rec.Clone(), nil
		}
	}
	return nil, domain.NewNotFoundError("subscription", externalSubscriptionID)
}

// InMemoryHistoryStore keeps change history in memory
type InMemoryHistoryStore struct {
	entries []domain.HistoryEntry
	nextID  int64
	mutex   sync.RWMutex
}

// NewInMemoryHistoryStore creates an empty history log
func NewInMemoryHistoryStore() *InMemoryHistoryStore {
	return &InMemoryHistoryStore{nextID: 1}
}

// Append adds an entry, assigning its ID
func (h *InMemoryHistoryStore) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	entry.ID = h.nextID
	h.nextID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	h.entries = append(h.entries, *entry)
	return nil
}

// ListByTenant returns the newest entries first
func (h *InMemoryHistoryStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.HistoryEntry, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]domain.HistoryEntry, 0)
	for _, e := range h.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InMemoryEventDeduplicator remembers processed event ids for the process lifetime
type InMemoryEventDeduplicator struct {
	seen  map[string]struct{}
	mutex sync.Mutex
}

// NewInMemoryEventDeduplicator creates an empty deduplicator
func NewInMemoryEventDeduplicator() *InMemoryEventDeduplicator {
	return &InMemoryEventDeduplicator{seen: make(map[string]struct{})}
}

// MarkProcessed reports true the first time an event id is seen
func (d *InMemoryEventDeduplicator) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.seen[eventID]; ok {
		return false, nil
	}
	d.seen[eventID] = struct{}{}
	return true, nil
}

// Forget drops an event id
func (d *InMemoryEventDeduplicator) Forget(ctx context.Context, eventID string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.seen, eventID)
	return nil
}
