package repository

import (
	"context"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

// CachedSubscriptionStore reads through a Redis cache and evicts on every write
type CachedSubscriptionStore struct {
	store SubscriptionStore
	cache *RedisCache
	log   *logger.Logger
}

// NewCachedSubscriptionStore decorates store with cache
func NewCachedSubscriptionStore(store SubscriptionStore, cache *RedisCache, log *logger.Logger) *CachedSubscriptionStore {
	return &CachedSubscriptionStore{
		store: store,
		cache: cache,
		log:   log,
	}
}

// Get tries the cache first, then the store
func (r *CachedSubscriptionStore) Get(ctx context.Context, tenantID string) (*domain.SubscriptionRecord, error) {
	cached, err := r.cache.GetCachedRecord(ctx, tenantID)
	if err != nil {
		// cache errors never fail a read
		r.log.Warnw("Error getting subscription record from cache", "error", err, "tenantID", tenantID)
	}
	if cached != nil {
		return cached, nil
	}

	rec, err := r.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if err := r.cache.CacheRecord(ctx, rec); err != nil {
		r.log.Warnw("Failed to cache subscription record after fetching", "error", err, "tenantID", tenantID)
	}
	return rec, nil
}

// Create writes to the store, then drops any stale cache entry
func (r *CachedSubscriptionStore) Create(ctx context.Context, rec *domain.SubscriptionRecord) error {
	if err := r.store.Create(ctx, rec); err != nil {
		return err
	}
	r.evict(ctx, rec.TenantID)
	return nil
}

// Update writes to the store, then drops the cache entry
func (r *CachedSubscriptionStore) Update(ctx context.Context, tenantID string, patch domain.SubscriptionPatch) (*domain.SubscriptionRecord, error) {
	// Evict before and after: a reader racing the write can't re-cache the old row for long.
	r.evict(ctx, tenantID)
	rec, err := r.store.Update(ctx, tenantID, patch)
	if err != nil {
		return nil, err
	}
	r.evict(ctx, tenantID)
	return rec, nil
}

// FindByExternalSubscriptionID always goes to the store
func (r *CachedSubscriptionStore) FindByExternalSubscriptionID(ctx context.Context, externalSubscriptionID string) (*domain.SubscriptionRecord, error) {
	return r.store.FindByExternalSubscriptionID(ctx, externalSubscriptionID)
}

func (r *CachedSubscriptionStore) evict(ctx context.Context, tenantID string) {
	if err := r.cache.DeleteCachedRecord(ctx, tenantID); err != nil {
		r.log.Warnw("Failed to evict subscription record from cache", "error", err, "tenantID", tenantID)
	}
}
