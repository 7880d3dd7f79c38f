package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SubscriptionMetrics records subscription lifecycle outcomes.
type SubscriptionMetrics interface {
	IncPlanChange(changeType string)
	IncRejection(operation, code string)
	IncCheckout(reused bool)
	IncCouponSoftFailure()
	IncProviderError(operation string)
	IncWebhookEvent(eventType, outcome string)
}

type subscriptionMetrics struct {
	planChanges        *prometheus.CounterVec
	rejections         *prometheus.CounterVec
	checkouts          *prometheus.CounterVec
	couponSoftFailures prometheus.Counter
	providerErrors     *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
}

// NewRegistry returns a registry with the process collector attached.
// Runtime gauges come from SystemMetrics.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

// NewSubscriptionMetrics registers the subscription counters on registry.
func NewSubscriptionMetrics(registry prometheus.Registerer) SubscriptionMetrics {
	factory := promauto.With(registry)
	return &subscriptionMetrics{
		planChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_plan_changes_total",
				Help: "Accepted plan changes by change type",
			},
			[]string{"type"},
		),
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_rejections_total",
				Help: "Rejected requests by operation and code",
			},
			[]string{"operation", "code"},
		),
		checkouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_checkouts_total",
				Help: "Checkout intents by whether an incomplete subscription was reused",
			},
			[]string{"reused"},
		),
		couponSoftFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subscription_coupon_soft_failures_total",
				Help: "Upgrades that proceeded without the requested coupon",
			},
		),
		providerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_provider_errors_total",
				Help: "Payment provider failures by operation",
			},
			[]string{"operation"},
		),
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_webhook_events_total",
				Help: "Provider webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}
}

func (m *subscriptionMetrics) IncPlanChange(changeType string) {
	m.planChanges.WithLabelValues(changeType).Inc()
}

func (m *subscriptionMetrics) IncRejection(operation, code string) {
	m.rejections.WithLabelValues(operation, code).Inc()
}

func (m *subscriptionMetrics) IncCheckout(reused bool) {
	label := "false"
	if reused {
		label = "true"
	}
	m.checkouts.WithLabelValues(label).Inc()
}

func (m *subscriptionMetrics) IncCouponSoftFailure() {
	m.couponSoftFailures.Inc()
}

func (m *subscriptionMetrics) IncProviderError(operation string) {
	m.providerErrors.WithLabelValues(operation).Inc()
}

func (m *subscriptionMetrics) IncWebhookEvent(eventType, outcome string) {
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

type nopMetrics struct{}

// NewNopMetrics returns SubscriptionMetrics that records nothing.
func NewNopMetrics() SubscriptionMetrics { return nopMetrics{} }

func (nopMetrics) IncPlanChange(string) {}
func (nopMetrics) IncRejection(string, string) {}
func (nopMetrics) IncCheckout(bool) {}
func (nopMetrics) IncCouponSoftFailure() {}
func (nopMetrics) IncProviderError(string) {}
func (nopMetrics) IncWebhookEvent(string, string) {}
