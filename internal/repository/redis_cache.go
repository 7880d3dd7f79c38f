package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

const (
	// Key prefixes
	subscriptionKeyPrefix = "subscription:"
	webhookEventKeyPrefix = "webhook_event:"
	defaultCacheTTL       = 15 * time.Minute
	processedEventTTL     = 72 * time.Hour
)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", addr)
	return client, nil
}

// RedisCache caches subscription records and tracks processed webhook events
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCache wraps a connected client. A zero ttl uses the default.
func NewRedisCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// CacheRecord stores a subscription record
func (r *RedisCache) CacheRecord(ctx context.Context, rec *domain.SubscriptionRecord) error {
	key := subscriptionKeyPrefix + rec.TenantID

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription record: %w", err)
	}

	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.log.Errorw("Failed to cache subscription record", "error", err, "tenantID", rec.TenantID)
		return fmt.Errorf("failed to cache subscription record: %w", err)
	}

	r.log.Debugw("Subscription record cached", "tenantID", rec.TenantID)
	return nil
}

// GetCachedRecord returns the cached record, or nil on a cache miss
func (r *RedisCache) GetCachedRecord(ctx context.Context, tenantID string) (*domain.SubscriptionRecord, error) {
	data, err := r.client.Get(ctx, subscriptionKeyPrefix+tenantID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription record from cache: %w", err)
	}

	var rec domain.SubscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached subscription record: %w", err)
	}
	return &rec, nil
}

// DeleteCachedRecord evicts a tenant's record
func (r *RedisCache) DeleteCachedRecord(ctx context.Context, tenantID string) error {
	if err := r.client.Del(ctx, subscriptionKeyPrefix+tenantID).Err(); err != nil {
		return fmt.Errorf("failed to delete subscription record from cache: %w", err)
	}
	return nil
}

// MarkProcessed sets a marker for eventID with SETNX; false means it was already set
func (r *RedisCache) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, webhookEventKeyPrefix+eventID, time.Now().Unix(), processedEventTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook event: %w", err)
	}
	return ok, nil
}

// Forget removes the marker of eventID
func (r *RedisCache) Forget(ctx context.Context, eventID string) error {
	if err := r.client.Del(ctx, webhookEventKeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("failed to forget webhook event: %w", err)
	}
	return nil
}
