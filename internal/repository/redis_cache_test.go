package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

// newTestRedisCache creates a RedisCache backed by a miniredis server.
func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCache(client, time.Minute, logger.NewNop()), mr
}

func TestRedisCacheRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t)

	miss, err := cache.GetCachedRecord(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	rec := trialRecord("t1")
	rec.ScheduledPlan = domain.Ptr(domain.PlanBasic)
	rec.ScheduledBillingCycle = domain.Ptr(domain.CycleYearly)
	require.NoError(t, cache.CacheRecord(ctx, rec))
	assert.True(t, mr.Exists("subscription:t1"))

	got, err := cache.GetCachedRecord(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusTrialing, got.Status)
	assert.Equal(t, domain.PlanBasic, *got.ScheduledPlan)

	mr.FastForward(2 * time.Minute)
	expired, err := cache.GetCachedRecord(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, expired)
}

func TestRedisCacheMarkProcessed(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t)

	first, err := cache.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, mr.Exists("webhook_event:evt_1"))

	again, err := cache.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, cache.Forget(ctx, "evt_1"))
	retry, err := cache.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, retry)
}

func TestCachedStoreInvalidatesOnUpdate(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t)
	base := NewInMemorySubscriptionStore(logger.NewNop())
	store := NewCachedSubscriptionStore(base, cache, logger.NewNop())

	require.NoError(t, store.Create(ctx, trialRecord("t1")))

	_, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("subscription:t1"), "read should populate the cache")

	updated, err := store.Update(ctx, "t1", domain.SubscriptionPatch{Plan: domain.Ptr(domain.PlanFleet)})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFleet, updated.Plan)
	assert.False(t, mr.Exists("subscription:t1"), "write should evict the cache")

	rec, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFleet, rec.Plan)
}

func TestCachedStoreSurvivesRedisOutage(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t)
	base := NewInMemorySubscriptionStore(logger.NewNop())
	store := NewCachedSubscriptionStore(base, cache, logger.NewNop())
	require.NoError(t, base.Create(ctx, trialRecord("t1")))

	mr.Close()

	rec, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.TenantID)

	_, err = store.Update(ctx, "t1", domain.SubscriptionPatch{Status: domain.Ptr(domain.StatusActive)})
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
