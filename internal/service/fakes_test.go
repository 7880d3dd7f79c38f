package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/fleet-billing/internal/catalog"
	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/internal/repository"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

const (
	tenantA = "6f1c2a7e-3b4d-4e5f-8a9b-0c1d2e3f4a5b"
	tenantB = "0b9e8d7c-6a5f-4e3d-9c2b-1a0f9e8d7c6b"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testEntries() []domain.PriceEntry {
	return []domain.PriceEntry{
		{Tier: domain.PlanBasic, Cycle: domain.CycleMonthly, ExternalPriceID: "price_basic_m", AmountCents: 1900},
		{Tier: domain.PlanBasic, Cycle: domain.CycleYearly, ExternalPriceID: "price_basic_y", AmountCents: 19000},
		{Tier: domain.PlanPremium, Cycle: domain.CycleMonthly, ExternalPriceID: "price_premium_m", AmountCents: 3900},
		{Tier: domain.PlanPremium, Cycle: domain.CycleYearly, ExternalPriceID: "price_premium_y", AmountCents: 39000},
		{Tier: domain.PlanFleet, Cycle: domain.CycleMonthly, ExternalPriceID: "price_fleet_m", AmountCents: 6900},
		{Tier: domain.PlanFleet, Cycle: domain.CycleYearly, ExternalPriceID: "price_fleet_y", AmountCents: 69000},
	}
}

// fakeProvider is an in-memory payment provider. Errors queued in errs are
// returned, one per call, before the operation runs.
type fakeProvider struct {
	mu sync.Mutex

	subs       map[string]*domain.ExternalSubscriptionSnapshot
	coupons    map[string]*domain.Coupon
	incomplete map[string]*domain.CheckoutHandle
	customers  map[string]string
	errs       map[string][]error

	calls           []string
	priceUpdates    []domain.PriceUpdateParams
	metadataUpdates []map[string]string
	created         []domain.NewSubscriptionParams
	nextID          int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:       map[string]*domain.ExternalSubscriptionSnapshot{},
		coupons:    map[string]*domain.Coupon{},
		incomplete: map[string]*domain.CheckoutHandle{},
		customers:  map[string]string{},
		errs:       map[string][]error{},
	}
}

func (p *fakeProvider) failNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[op] = append(p.errs[op], err)
}

func (p *fakeProvider) enter(op string) error {
	p.calls = append(p.calls, op)
	if q := p.errs[op]; len(q) > 0 {
		p.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *fakeProvider) callCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *fakeProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) addSubscription(id, priceID string, cancelAtPeriodEnd bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[id] = &domain.ExternalSubscriptionSnapshot{
		ID:                    id,
		Status:                "active",
		CurrentPeriodEndEpoch: fixedNow.Add(10 * 24 * time.Hour).Unix(),
		CancelAtPeriodEnd:     cancelAtPeriodEnd,
		LineItemID:            "si_" + id,
		LineItemPriceID:       priceID,
		Metadata:              map[string]string{},
	}
}

func copySnapshot(s *domain.ExternalSubscriptionSnapshot) *domain.ExternalSubscriptionSnapshot {
	c := *s
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func (p *fakeProvider) GetSubscription(_ context.Context, id string) (*domain.ExternalSubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetSubscription"); err != nil {
		return nil, err
	}
	s, ok := p.subs[id]
	if !ok {
		return nil, domain.NewExternalServiceError("stripe", "GetSubscription", "resource_missing", "No such subscription", 404, false, nil)
	}
	return copySnapshot(s), nil
}

func (p *fakeProvider) UpdateSubscriptionPrice(_ context.Context, params domain.PriceUpdateParams) (*domain.ExternalSubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("UpdateSubscriptionPrice"); err != nil {
		return nil, err
	}
	p.priceUpdates = append(p.priceUpdates, params)
	s := p.subs[params.SubscriptionID]
	s.LineItemPriceID = params.PriceID
	s.CancelAtPeriodEnd = false
	return copySnapshot(s), nil
}

func (p *fakeProvider) ClearCancelAtPeriodEnd(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ClearCancelAtPeriodEnd"); err != nil {
		return err
	}
	p.subs[id].CancelAtPeriodEnd = false
	return nil
}

func (p *fakeProvider) UpdateMetadata(_ context.Context, id string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("UpdateMetadata"); err != nil {
		return err
	}
	p.metadataUpdates = append(p.metadataUpdates, metadata)
	for k, v := range metadata {
		p.subs[id].Metadata[k] = v
	}
	return nil
}

func (p *fakeProvider) ResolveCoupon(_ context.Context, code string) (*domain.Coupon, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ResolveCoupon"); err != nil {
		return nil, err
	}
	for _, candidate := range []string{code, strings.ToUpper(code)} {
		if c, ok := p.coupons[candidate]; ok {
			if !c.Valid {
				return nil, domain.ErrCouponExpired
			}
			return c, nil
		}
	}
	return nil, domain.ErrCouponNotFound
}

func (p *fakeProvider) FindIncompleteSubscription(_ context.Context, tenantID string) (*domain.CheckoutHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("FindIncompleteSubscription"); err != nil {
		return nil, err
	}
	if h, ok := p.incomplete[tenantID]; ok {
		c := *h
		return &c, nil
	}
	return nil, nil
}

func (p *fakeProvider) GetOrCreateCustomer(_ context.Context, tenantID, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetOrCreateCustomer"); err != nil {
		return "", err
	}
	if id, ok := p.customers[email]; ok {
		return id, nil
	}
	p.nextID++
	id := fmt.Sprintf("cus_%d", p.nextID)
	p.customers[email] = id
	return id, nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, params domain.NewSubscriptionParams) (*domain.CheckoutHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateSubscription"); err != nil {
		return nil, err
	}
	p.created = append(p.created, params)
	p.nextID++
	h := &domain.CheckoutHandle{
		SubscriptionID: fmt.Sprintf("sub_%d", p.nextID),
		CustomerID:     params.CustomerID,
		ClientSecret:   fmt.Sprintf("pi_%d_secret", p.nextID),
		AmountDue:      1900,
	}
	p.incomplete[params.Metadata["tenant_id"]] = h
	c := *h
	return &c, nil
}

// flakyStore fails the n-th Update call (1-based) when failUpdateOn is set.
type flakyStore struct {
	repository.SubscriptionStore
	mu           sync.Mutex
	updates      int
	failUpdateOn int
}

func (f *flakyStore) Update(ctx context.Context, tenantID string, patch domain.SubscriptionPatch) (*domain.SubscriptionRecord, error) {
	f.mu.Lock()
	f.updates++
	fail := f.failUpdateOn > 0 && f.updates == f.failUpdateOn
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.SubscriptionStore.Update(ctx, tenantID, patch)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SubscriptionEvent
}

func (r *recordingPublisher) PublishSubscriptionEvent(_ context.Context, evt *domain.SubscriptionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *evt)
	return nil
}

func (r *recordingPublisher) types() []domain.SubscriptionEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SubscriptionEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc       *SubscriptionService
	store     *flakyStore
	provider  *fakeProvider
	history   *repository.InMemoryHistoryStore
	dedup     *repository.InMemoryEventDeduplicator
	publisher *recordingPublisher
	clock     *time.Time
}

func newHarness(t *testing.T, entries ...domain.PriceEntry) *harness {
	t.Helper()
	if len(entries) == 0 {
		entries = testEntries()
	}
	cat, err := catalog.NewCatalog(entries)
	require.NoError(t, err)

	log := logger.NewNop()
	clock := fixedNow
	h := &harness{
		store:     &flakyStore{SubscriptionStore: repository.NewInMemorySubscriptionStore(log)},
		provider:  newFakeProvider(),
		history:   repository.NewInMemoryHistoryStore(),
		dedup:     repository.NewInMemoryEventDeduplicator(),
		publisher: &recordingPublisher{},
		clock:     &clock,
	}
	h.svc = NewSubscriptionService(h.store, h.provider, cat, Options{}, log,
		WithHistory(h.history),
		WithDeduplicator(h.dedup),
		WithPublisher(h.publisher),
		WithClock(func() time.Time { return *h.clock }),
		WithBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		}),
	)
	return h
}

func (h *harness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

// seedActive stores an active tenant with a matching provider subscription.
func (h *harness) seedActive(t *testing.T, tenantID string, plan domain.PlanTier, cycle domain.BillingCycle) *domain.SubscriptionRecord {
	t.Helper()
	subID := "sub_" + tenantID[:8]
	priceID := fmt.Sprintf("price_%s_%s", plan, cycle[:1])
	rec := &domain.SubscriptionRecord{
		TenantID:               tenantID,
		ExternalCustomerID:     "cus_" + tenantID[:8],
		ExternalSubscriptionID: subID,
		Plan:                   plan,
		BillingCycle:           cycle,
		Status:                 domain.StatusActive,
		AmountCents:            1900,
	}
	require.NoError(t, h.store.Create(context.Background(), rec))
	h.provider.addSubscription(subID, priceID, false)
	return rec
}

func (h *harness) seedTrial(t *testing.T, tenantID string) *domain.SubscriptionRecord {
	t.Helper()
	trialEnd := fixedNow.Add(7 * 24 * time.Hour)
	rec := &domain.SubscriptionRecord{
		TenantID:     tenantID,
		Plan:         domain.PlanPremium,
		BillingCycle: domain.CycleMonthly,
		Status:       domain.StatusTrialing,
		TrialEndsAt:  &trialEnd,
	}
	require.NoError(t, h.store.Create(context.Background(), rec))
	return rec
}

func (h *harness) record(t *testing.T, tenantID string) *domain.SubscriptionRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	return rec
}

func retryableErr() error {
	return domain.NewExternalServiceError("stripe", "op", "rate_limit", "Too many requests", 429, true, nil)
}

func permanentErr() error {
	return domain.NewExternalServiceError("stripe", "op", "card_declined", "Your card was declined", 402, false, nil)
}
