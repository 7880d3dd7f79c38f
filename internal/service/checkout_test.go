package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/fleet-billing/internal/domain"
)

func intentReq(tenantID, plan, cycle, email string) domain.IntentRequest {
	return domain.IntentRequest{TenantID: tenantID, Plan: plan, BillingCycle: cycle, Email: email}
}

func seedIncomplete(t *testing.T, h *harness, tenantID string) {
	t.Helper()
	require.NoError(t, h.store.Create(context.Background(), &domain.SubscriptionRecord{
		TenantID:     tenantID,
		Plan:         domain.PlanBasic,
		BillingCycle: domain.CycleMonthly,
		Status:       domain.StatusIncomplete,
	}))
}

func TestCreateIntentForNonTrialTenant(t *testing.T) {
	h := newHarness(t)
	seedIncomplete(t, h, tenantA)

	res, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "premium", "yearly", "ops@fleet.example"))
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.NotEmpty(t, res.ClientSecret)
	assert.Equal(t, "cus_1", res.CustomerID)

	rec := h.record(t, tenantA)
	assert.Equal(t, domain.StatusIncomplete, rec.Status)
	assert.Equal(t, domain.PlanPremium, rec.Plan)
	assert.Equal(t, domain.CycleYearly, rec.BillingCycle)
	assert.Equal(t, int64(39000), rec.AmountCents)
	assert.Equal(t, res.SubscriptionID, rec.ExternalSubscriptionID)
	assert.Equal(t, "cus_1", rec.ExternalCustomerID)
	require.NotNil(t, rec.CheckoutInitiatedAt)
	assert.True(t, rec.CheckoutInitiatedAt.Equal(fixedNow))

	require.Len(t, h.provider.created, 1)
	params := h.provider.created[0]
	assert.Equal(t, "price_premium_y", params.PriceID)
	assert.Equal(t, tenantA, params.Metadata["tenant_id"])
	assert.Equal(t, "premium", params.Metadata["plan"])
	assert.Equal(t, "yearly", params.Metadata["billing_cycle"])
	assert.NotEmpty(t, params.IdempotencyKey)
}

func TestCreateIntentPreservesValidTrial(t *testing.T) {
	h := newHarness(t)
	before := h.seedTrial(t, tenantA)

	res, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "fleet", "yearly", "ops@fleet.example"))
	require.NoError(t, err)

	rec := h.record(t, tenantA)
	assert.Equal(t, domain.StatusTrialing, rec.Status)
	assert.Equal(t, before.Plan, rec.Plan)
	assert.Equal(t, before.BillingCycle, rec.BillingCycle)
	require.NotNil(t, rec.TrialEndsAt)
	assert.True(t, rec.TrialEndsAt.Equal(*before.TrialEndsAt))
	assert.Equal(t, res.SubscriptionID, rec.ExternalSubscriptionID)
	assert.Equal(t, res.CustomerID, rec.ExternalCustomerID)
	assert.NotNil(t, rec.CheckoutInitiatedAt)
}

func TestCreateIntentExpiredTrialIsTreatedAsNonTrial(t *testing.T) {
	h := newHarness(t)
	h.seedTrial(t, tenantA)
	h.advance(8 * 24 * time.Hour)

	_, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "fleet", "monthly", "ops@fleet.example"))
	require.NoError(t, err)

	rec := h.record(t, tenantA)
	assert.Equal(t, domain.StatusIncomplete, rec.Status)
	assert.Equal(t, domain.PlanFleet, rec.Plan)
}

func TestCreateIntentIdempotentWithinWindow(t *testing.T) {
	h := newHarness(t)
	seedIncomplete(t, h, tenantA)

	first, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "basic", "monthly", "ops@fleet.example"))
	require.NoError(t, err)

	h.advance(10 * time.Second)
	second, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "basic", "monthly", "ops@fleet.example"))
	require.NoError(t, err)

	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)
	assert.True(t, second.Reused)
	assert.Equal(t, 1, h.provider.callCount("CreateSubscription"))
	assert.Equal(t, 1, h.provider.callCount("FindIncompleteSubscription"))
}

func TestCreateIntentAfterWindowCreatesNewSubscription(t *testing.T) {
	h := newHarness(t)
	seedIncomplete(t, h, tenantA)

	first, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "basic", "monthly", "ops@fleet.example"))
	require.NoError(t, err)

	h.advance(31 * time.Second)
	second, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "basic", "monthly", "ops@fleet.example"))
	require.NoError(t, err)

	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)
	assert.False(t, second.Reused)
	assert.Zero(t, h.provider.callCount("FindIncompleteSubscription"))
	assert.NotEqual(t, h.provider.created[0].IdempotencyKey, h.provider.created[1].IdempotencyKey)
}

func TestCreateIntentWithinWindowWithoutInFlightCreates(t *testing.T) {
	h := newHarness(t)
	seedIncomplete(t, h, tenantA)
	lock := fixedNow.Add(-5 * time.Second)
	_, err := h.store.Update(context.Background(), tenantA, domain.SubscriptionPatch{CheckoutInitiatedAt: &lock})
	require.NoError(t, err)

	res, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "basic", "monthly", "ops@fleet.example"))
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, 1, h.provider.callCount("FindIncompleteSubscription"))
	assert.Equal(t, 1, h.provider.callCount("CreateSubscription"))
}

func TestCreateIntentCouponFailureIsHard(t *testing.T) {
	cases := []struct {
		name  string
		setup func(p *fakeProvider)
		code  string
	}{
		{name: "unknown", setup: func(p *fakeProvider) {}, code: domain.CodeInvalidCoupon},
		{name: "expired", setup: func(p *fakeProvider) {
			p.coupons["SPRING"] = &domain.Coupon{ID: "SPRING", Valid: false}
		}, code: domain.CodeExpiredCoupon},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			before := h.seedTrial(t, tenantA)
			tc.setup(h.provider)

			req := intentReq(tenantA, "fleet", "monthly", "ops@fleet.example")
			req.CouponCode = "spring"
			_, err := h.svc.CreateIntent(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tc.code, domain.CodeOf(err))

			rec := h.record(t, tenantA)
			assert.Equal(t, before.Status, rec.Status)
			assert.Equal(t, before.Plan, rec.Plan)
			assert.Empty(t, rec.ExternalCustomerID)
			assert.Empty(t, rec.ExternalSubscriptionID)
			require.NotNil(t, rec.CheckoutInitiatedAt)
			assert.Zero(t, h.provider.callCount("CreateSubscription"))
			assert.Zero(t, h.provider.callCount("GetOrCreateCustomer"))
		})
	}
}

func TestCreateIntentAppliesCoupon(t *testing.T) {
	h := newHarness(t)
	seedIncomplete(t, h, tenantA)
	h.provider.coupons["WELCOME"] = &domain.Coupon{ID: "WELCOME", Valid: true}

	req := intentReq(tenantA, "basic", "monthly", "ops@fleet.example")
	req.CouponCode = "welcome"
	res, err := h.svc.CreateIntent(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "WELCOME", res.AppliedCoupon)
	assert.Equal(t, "WELCOME", h.provider.created[0].CouponID)
}

func TestCreateIntentReusesExistingCustomer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Create(context.Background(), &domain.SubscriptionRecord{
		TenantID:           tenantA,
		ExternalCustomerID: "cus_existing",
		Plan:               domain.PlanBasic,
		BillingCycle:       domain.CycleMonthly,
		Status:             domain.StatusCanceled,
	}))

	res, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "premium", "monthly", ""))
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", res.CustomerID)
	assert.Zero(t, h.provider.callCount("GetOrCreateCustomer"))
	assert.Equal(t, "cus_existing", h.record(t, tenantA).ExternalCustomerID)
}

func TestCreateIntentRejections(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		req   domain.IntentRequest
		code  string
	}{
		{name: "missing tenant", req: intentReq("", "basic", "monthly", "a@b.co"), code: domain.CodeMissingFields},
		{name: "malformed tenant", req: intentReq("abc", "basic", "monthly", "a@b.co"), code: domain.CodeInvalidTenantID},
		{name: "missing cycle", req: intentReq(tenantA, "basic", "", "a@b.co"), code: domain.CodeMissingFields},
		{name: "invalid plan", req: intentReq(tenantA, "gold", "monthly", "a@b.co"), code: domain.CodeInvalidPlan},
		{name: "invalid cycle", req: intentReq(tenantA, "basic", "daily", "a@b.co"), code: domain.CodeInvalidCycle},
		{name: "unknown tenant", req: intentReq(tenantB, "basic", "monthly", "a@b.co"), code: domain.CodeUnknownTenant},
		{
			name: "already active",
			setup: func(t *testing.T, h *harness) {
				h.seedActive(t, tenantA, domain.PlanBasic, domain.CycleMonthly)
			},
			req:  intentReq(tenantA, "premium", "monthly", "a@b.co"),
			code: domain.CodeAlreadyActive,
		},
		{
			name: "missing email",
			setup: func(t *testing.T, h *harness) {
				seedIncomplete(t, h, tenantA)
			},
			req:  intentReq(tenantA, "premium", "monthly", ""),
			code: domain.CodeMissingEmail,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.setup != nil {
				tc.setup(t, h)
			}
			_, err := h.svc.CreateIntent(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, domain.CodeOf(err))
			assert.Zero(t, h.provider.totalCalls())
		})
	}
}

func TestCreateIntentPriceNotConfigured(t *testing.T) {
	entries := testEntries()
	entries[3].ExternalPriceID = "" // premium yearly
	h := newHarness(t, entries...)
	seedIncomplete(t, h, tenantA)

	_, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "premium", "yearly", "a@b.co"))
	require.Error(t, err)
	assert.Equal(t, domain.CodePriceNotConfigured, domain.CodeOf(err))
	assert.Nil(t, h.record(t, tenantA).CheckoutInitiatedAt)
}

func TestCreateIntentProviderFailure(t *testing.T) {
	h := newHarness(t)
	seedIncomplete(t, h, tenantA)
	h.provider.failNext("CreateSubscription", permanentErr())

	_, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "basic", "monthly", "a@b.co"))
	require.Error(t, err)
	assert.Equal(t, domain.CodeProviderError, domain.CodeOf(err))

	rec := h.record(t, tenantA)
	assert.Empty(t, rec.ExternalSubscriptionID)
	assert.Empty(t, rec.ExternalCustomerID)
}

func TestCreateIntentStoreFailureAfterCreate(t *testing.T) {
	h := newHarness(t)
	seedIncomplete(t, h, tenantA)
	h.store.failUpdateOn = 2

	_, err := h.svc.CreateIntent(context.Background(), intentReq(tenantA, "basic", "monthly", "a@b.co"))
	require.Error(t, err)
	assert.Equal(t, domain.CodeStoreError, domain.CodeOf(err))
	assert.Len(t, h.provider.created, 1)
}
