package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

const (
	// MetadataTenantIDKey links Stripe objects to the tenant
	MetadataTenantIDKey = "tenant_id"

	serviceName = "stripe"
)

// Client talks to the Stripe API on behalf of the subscription service.
type Client struct {
	client        *client.API
	webhookSecret string
	log           *logger.Logger
}

// NewStripeClient creates a client using the default Stripe backends.
func NewStripeClient(apiKey, webhookSecret string, log *logger.Logger) *Client {
	return NewStripeClientWithBackends(apiKey, webhookSecret, nil, log)
}

// NewStripeClientWithBackends creates a client with custom backends; nil uses the defaults.
func NewStripeClientWithBackends(apiKey, webhookSecret string, backends *stripe.Backends, log *logger.Logger) *Client {
	sc := &client.API{}
	sc.Init(apiKey, backends)
	return &Client{
		client:        sc,
		webhookSecret: webhookSecret,
		log:           log,
	}
}

// GetSubscription retrieves the current state of a subscription.
func (sc *Client) GetSubscription(ctx context.Context, subscriptionID string) (*domain.ExternalSubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := sc.client.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, sc.wrapError("GetSubscription", err)
	}
	return snapshotFromSubscription(sub), nil
}

// UpdateSubscriptionPrice swaps the line item to a new price with proration and
// clears any scheduled cancellation in the same call.
func (sc *Client) UpdateSubscriptionPrice(ctx context.Context, p domain.PriceUpdateParams) (*domain.ExternalSubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(p.LineItemID),
				Price: stripe.String(p.PriceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	if p.CouponID != "" {
		params.Coupon = stripe.String(p.CouponID)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sub, err := sc.client.Subscriptions.Update(p.SubscriptionID, params)
	if err != nil {
		return nil, sc.wrapError("UpdateSubscriptionPrice", err)
	}

	sc.log.Infow("Stripe subscription price updated",
		"stripeSubscriptionID", sub.ID, "priceID", p.PriceID, "coupon", p.CouponID)
	return snapshotFromSubscription(sub), nil
}

// ClearCancelAtPeriodEnd removes a scheduled cancellation.
func (sc *Client) ClearCancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	params.Context = ctx

	if _, err := sc.client.Subscriptions.Update(subscriptionID, params); err != nil {
		return sc.wrapError("ClearCancelAtPeriodEnd", err)
	}

	sc.log.Infow("Stripe subscription cancellation cleared", "stripeSubscriptionID", subscriptionID)
	return nil
}

// UpdateMetadata writes metadata only; prices and billing are untouched.
func (sc *Client) UpdateMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	params := &stripe.SubscriptionParams{}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	if _, err := sc.client.Subscriptions.Update(subscriptionID, params); err != nil {
		return sc.wrapError("UpdateMetadata", err)
	}

	sc.log.Debugw("Stripe subscription metadata updated", "stripeSubscriptionID", subscriptionID, "keys", len(metadata))
	return nil
}

// ResolveCoupon looks a coupon up by its exact code, then by the upper-cased code.
// Returns domain.ErrCouponNotFound or domain.ErrCouponExpired for unusable codes.
func (sc *Client) ResolveCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	candidates := []string{code}
	if upper := strings.ToUpper(code); upper != code {
		candidates = append(candidates, upper)
	}

	for _, id := range candidates {
		params := &stripe.CouponParams{}
		params.Context = ctx

		coupon, err := sc.client.Coupons.Get(id, params)
		if err != nil {
			var stripeErr *stripe.Error
			if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
				sc.log.Debugw("Coupon not found", "coupon", id)
				continue
			}
			return nil, sc.wrapError("ResolveCoupon", err)
		}

		if !coupon.Valid {
			return nil, fmt.Errorf("%w: %s", domain.ErrCouponExpired, coupon.ID)
		}
		return &domain.Coupon{ID: coupon.ID, Valid: coupon.Valid}, nil
	}

	return nil, fmt.Errorf("%w: %s", domain.ErrCouponNotFound, code)
}

// FindIncompleteSubscription searches for an incomplete subscription tagged with tenantID.
// Returns nil when there is none.
func (sc *Client) FindIncompleteSubscription(ctx context.Context, tenantID string) (*domain.CheckoutHandle, error) {
	searchParams := &stripe.SubscriptionSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("status:'%s' AND metadata['%s']:'%s'",
				domain.ExternalStatusIncomplete, MetadataTenantIDKey, escapeSearchValue(tenantID)),
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}
	searchParams.AddExpand("data.latest_invoice.payment_intent")

	iter := sc.client.Subscriptions.Search(searchParams)
	if iter.Next() {
		sub := iter.Subscription()
		sc.log.Infow("Found in-flight incomplete subscription", "stripeSubscriptionID", sub.ID, "tenantID", tenantID)
		return handleFromSubscription(sub), nil
	}
	if err := iter.Err(); err != nil {
		return nil, sc.wrapError("FindIncompleteSubscription", err)
	}
	return nil, nil
}

// GetOrCreateCustomer searches customers by email and creates one when none matches.
func (sc *Client) GetOrCreateCustomer(ctx context.Context, tenantID, email string) (string, error) {
	sc.log.Debugw("Searching for Stripe customer by email", "tenantID", tenantID)

	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("email:'%s'", escapeSearchValue(email)),
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}

	customers := sc.client.Customers.Search(searchParams)
	if customers.Next() {
		customer := customers.Customer()
		sc.log.Infow("Found existing Stripe customer", "stripeCustomerID", customer.ID, "tenantID", tenantID)
		return customer.ID, nil
	}
	if err := customers.Err(); err != nil {
		return "", sc.wrapError("SearchCustomers", err)
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.AddMetadata(MetadataTenantIDKey, tenantID)
	params.Context = ctx

	cus, err := sc.client.Customers.New(params)
	if err != nil {
		return "", sc.wrapError("CreateCustomer", err)
	}

	sc.log.Infow("Stripe customer created", "stripeCustomerID", cus.ID, "tenantID", tenantID)
	return cus.ID, nil
}

// CreateSubscription creates an incomplete subscription; it stays inert until the
// client confirms the returned payment intent.
func (sc *Client) CreateSubscription(ctx context.Context, p domain.NewSubscriptionParams) (*domain.CheckoutHandle, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(p.PriceID),
			},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String(string(stripe.SubscriptionPaymentSettingsSaveDefaultPaymentMethodOnSubscription)),
		},
		Params: stripe.Params{
			Context: ctx,
		},
	}
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}
	if p.CouponID != "" {
		params.Coupon = stripe.String(p.CouponID)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_invoice.payment_intent")

	subscription, err := sc.client.Subscriptions.New(params)
	if err != nil {
		return nil, sc.wrapError("CreateSubscription", err)
	}

	handle := handleFromSubscription(subscription)
	if handle.ClientSecret == "" {
		sc.log.Warnw("No payment intent or client secret found in created subscription",
			"stripeSubscriptionID", subscription.ID, "status", string(subscription.Status))
	}
	sc.log.Infow("Stripe subscription created", "stripeSubscriptionID", subscription.ID, "status", string(subscription.Status))
	return handle, nil
}

func snapshotFromSubscription(sub *stripe.Subscription) *domain.ExternalSubscriptionSnapshot {
	snap := &domain.ExternalSubscriptionSnapshot{
		ID:                    sub.ID,
		Status:                string(sub.Status),
		CurrentPeriodEndEpoch: sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:     sub.CancelAtPeriodEnd,
		Metadata:              sub.Metadata,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		snap.LineItemID = item.ID
		if item.Price != nil {
			snap.LineItemPriceID = item.Price.ID
		}
	}
	return snap
}

func handleFromSubscription(sub *stripe.Subscription) *domain.CheckoutHandle {
	h := &domain.CheckoutHandle{SubscriptionID: sub.ID}
	if sub.Customer != nil {
		h.CustomerID = sub.Customer.ID
	}
	if sub.LatestInvoice != nil {
		h.AmountDue = sub.LatestInvoice.AmountDue
		if sub.LatestInvoice.PaymentIntent != nil {
			h.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
		}
	}
	return h
}

// escapeSearchValue escapes single quotes inside a Stripe search query literal.
func escapeSearchValue(v string) string {
	return strings.ReplaceAll(v, "'", `\'`)
}

// wrapError logs a Stripe failure and converts it into a domain.ExternalServiceError.
func (sc *Client) wrapError(operation string, err error) error {
	logStripeError(sc.log, operation, err)

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return domain.NewExternalServiceError(serviceName, operation, string(stripeErr.Code),
			stripeErr.Msg, stripeErr.HTTPStatusCode, isRetryableStripeError(stripeErr), err)
	}
	// Anything that isn't an API error is a transport failure.
	return domain.NewExternalServiceError(serviceName, operation, "connection_error",
		"could not reach payment provider", 0, true, err)
}

// isRetryableStripeError reports whether a Stripe API error is transient
func isRetryableStripeError(stripeErr *stripe.Error) bool {
	if stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.Code == stripe.ErrorCodeRateLimit {
		return true
	}
	if stripeErr.Type == stripe.ErrorTypeIdempotency {
		return false
	}
	// 501 is not transient
	return stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode != http.StatusNotImplemented
}

// logStripeError logs the details of a Stripe failure
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}
