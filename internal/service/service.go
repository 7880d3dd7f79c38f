// Package service orchestrates subscription changes and checkouts across the
// local store and the payment provider.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/internal/metrics"
	"github.com/Dhoini/fleet-billing/internal/reconciler"
	"github.com/Dhoini/fleet-billing/internal/repository"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

// PaymentProvider is the remote billing system.
type PaymentProvider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*domain.ExternalSubscriptionSnapshot, error)
	UpdateSubscriptionPrice(ctx context.Context, p domain.PriceUpdateParams) (*domain.ExternalSubscriptionSnapshot, error)
	ClearCancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
	UpdateMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error
	ResolveCoupon(ctx context.Context, code string) (*domain.Coupon, error)
	FindIncompleteSubscription(ctx context.Context, tenantID string) (*domain.CheckoutHandle, error)
	GetOrCreateCustomer(ctx context.Context, tenantID, email string) (string, error)
	CreateSubscription(ctx context.Context, p domain.NewSubscriptionParams) (*domain.CheckoutHandle, error)
}

// PriceCatalog resolves configured prices.
type PriceCatalog interface {
	PriceFor(tier domain.PlanTier, cycle domain.BillingCycle) (domain.PriceEntry, error)
	LookupByPriceID(priceID string) (domain.PriceEntry, bool)
	Entries() []domain.PriceEntry
}

// EventPublisher receives lifecycle events after accepted changes.
type EventPublisher interface {
	PublishSubscriptionEvent(ctx context.Context, evt *domain.SubscriptionEvent) error
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	// IdempotencyWindow is how long a checkout lock makes CreateIntent look for an in-flight subscription.
	IdempotencyWindow time.Duration
	// DefaultTrialDays applies to RegisterTenant requests without trialDays.
	DefaultTrialDays int
	// RetryMaxElapsed bounds provider retries.
	RetryMaxElapsed time.Duration
}

const (
	defaultIdempotencyWindow = 30 * time.Second
	defaultTrialDays         = 14
	defaultRetryMaxElapsed   = time.Minute
	defaultHistoryLimit      = 50
	publishTimeout           = 10 * time.Second
)

// SubscriptionService implements plan changes, checkouts and provider event sync.
type SubscriptionService struct {
	store      repository.SubscriptionStore
	history    repository.HistoryStore
	dedup      repository.EventDeduplicator
	provider   PaymentProvider
	catalog    PriceCatalog
	reconciler *reconciler.Reconciler
	publisher  EventPublisher
	metrics    metrics.SubscriptionMetrics
	log        *logger.Logger
	opts       Options

	now        func() time.Time
	newBackOff func() backoff.BackOff
	publishing sync.WaitGroup
}

// Option customizes optional collaborators.
type Option func(*SubscriptionService)

// WithHistory records accepted changes in h.
func WithHistory(h repository.HistoryStore) Option {
	return func(s *SubscriptionService) { s.history = h }
}

// WithDeduplicator skips provider events already handled.
func WithDeduplicator(d repository.EventDeduplicator) Option {
	return func(s *SubscriptionService) { s.dedup = d }
}

// WithPublisher publishes lifecycle events to p.
func WithPublisher(p EventPublisher) Option {
	return func(s *SubscriptionService) { s.publisher = p }
}

// WithMetrics records outcomes in m.
func WithMetrics(m metrics.SubscriptionMetrics) Option {
	return func(s *SubscriptionService) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SubscriptionService) { s.now = now }
}

// WithBackOff overrides the retry policy for provider calls.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(s *SubscriptionService) { s.newBackOff = f }
}

// NewSubscriptionService wires the service.
func NewSubscriptionService(
	store repository.SubscriptionStore,
	provider PaymentProvider,
	catalog PriceCatalog,
	opts Options,
	log *logger.Logger,
	options ...Option,
) *SubscriptionService {
	if opts.IdempotencyWindow <= 0 {
		opts.IdempotencyWindow = defaultIdempotencyWindow
	}
	if opts.DefaultTrialDays <= 0 {
		opts.DefaultTrialDays = defaultTrialDays
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = defaultRetryMaxElapsed
	}

	s := &SubscriptionService{
		store:      store,
		provider:   provider,
		catalog:    catalog,
		reconciler: reconciler.New(catalog),
		metrics:    metrics.NewNopMetrics(),
		log:        log,
		opts:       opts,
		now:        time.Now,
	}
	s.newBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.MaxInterval = 15 * time.Second
		bo.MaxElapsedTime = s.opts.RetryMaxElapsed
		bo.Reset()
		return bo
	}
	for _, o := range options {
		o(s)
	}
	if s.publisher == nil {
		log.Warnw("Event publisher is nil, event publishing will be skipped")
	}
	return s
}

// Wait blocks until in-flight event publishes finish.
func (s *SubscriptionService) Wait() {
	s.publishing.Wait()
}

// Plans lists the configured catalog entries.
func (s *SubscriptionService) Plans() []domain.PriceEntry {
	return s.catalog.Entries()
}

// withRetry runs fn until it succeeds, fails permanently or the backoff gives up.
// Only retryable provider errors are retried.
func (s *SubscriptionService) withRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if domain.IsRetryable(err) {
			s.log.Warnw("Retryable provider error, retrying", "operation", operation, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx))
	var extErr *domain.ExternalServiceError
	if errors.As(err, &extErr) {
		s.metrics.IncProviderError(operation)
		s.log.Errorw("Provider call failed", "operation", operation, "attempts", attempt, "error", err)
	}
	return err
}

// validateTenantID rejects empty or malformed tenant ids before any I/O.
func validateTenantID(tenantID string) error {
	if tenantID == "" {
		return domain.Reject(domain.CodeMissingFields, tenantID, "tenantId is required")
	}
	if _, err := uuid.Parse(tenantID); err != nil {
		return domain.NewSubscriptionError(domain.CodeInvalidTenantID, "tenantId is not a valid identifier",
			tenantID, http.StatusBadRequest, err)
	}
	return nil
}

// loadRecord returns nil without error when the tenant has no record.
func (s *SubscriptionService) loadRecord(ctx context.Context, tenantID string) (*domain.SubscriptionRecord, error) {
	rec, err := s.store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		s.log.Errorw("Failed to load subscription record", "tenantID", tenantID, "error", err)
		return nil, storeError(tenantID, err)
	}
	return rec, nil
}

func storeError(tenantID string, err error) error {
	return domain.NewSubscriptionError(domain.CodeStoreError, "failed to access subscription store", tenantID,
		http.StatusInternalServerError, err)
}

// providerError keeps the provider's message, which is safe to show.
func providerError(tenantID string, err error) error {
	var subErr *domain.SubscriptionError
	if errors.As(err, &subErr) {
		return err
	}
	msg := "payment provider request failed"
	var extErr *domain.ExternalServiceError
	if errors.As(err, &extErr) && extErr.Message != "" {
		msg = extErr.Message
	}
	return domain.NewSubscriptionError(domain.CodeProviderError, msg, tenantID, http.StatusBadGateway, err)
}

// inconsistent logs the window between a provider write and a failed store write.
func (s *SubscriptionService) inconsistent(tenantID, operation string, err error) error {
	s.log.Warnw("Provider updated but local record write failed, record is stale until the next webhook",
		"tenantID", tenantID, "operation", operation, "error", err)
	return storeError(tenantID, err)
}

func (s *SubscriptionService) reject(operation string, err error) {
	code := domain.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	s.metrics.IncRejection(operation, code)
}

func (s *SubscriptionService) appendHistory(ctx context.Context, entry *domain.HistoryEntry) {
	if s.history == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.log.Warnw("Failed to append subscription history", "tenantID", entry.TenantID, "eventType", string(entry.EventType), "error", err)
	}
}

func (s *SubscriptionService) publish(ctx context.Context, eventType domain.SubscriptionEventType, rec *domain.SubscriptionRecord) {
	if s.publisher == nil || rec == nil {
		return
	}
	evt := &domain.SubscriptionEvent{
		ID:                     uuid.NewString(),
		Type:                   eventType,
		TenantID:               rec.TenantID,
		ExternalSubscriptionID: rec.ExternalSubscriptionID,
		Plan:                   rec.Plan,
		BillingCycle:           rec.BillingCycle,
		Status:                 rec.Status,
		ScheduledPlan:          rec.ScheduledPlan,
		ScheduledBillingCycle:  rec.ScheduledBillingCycle,
		OccurredAt:             s.now().UTC(),
	}

	s.publishing.Add(1)
	go s.publishSubscriptionEvent(context.WithoutCancel(ctx), evt)
}

func (s *SubscriptionService) publishSubscriptionEvent(ctx context.Context, evt *domain.SubscriptionEvent) {
	defer s.publishing.Done()

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := s.publisher.PublishSubscriptionEvent(pubCtx, evt); err != nil {
		s.log.Errorw("Failed to publish subscription event", "type", string(evt.Type), "tenantID", evt.TenantID, "error", err)
		return
	}
	s.log.Debugw("Subscription event published", "type", string(evt.Type), "tenantID", evt.TenantID)
}

func describeTarget(plan domain.PlanTier, cycle domain.BillingCycle) string {
	return fmt.Sprintf("%s/%s", plan, cycle)
}
