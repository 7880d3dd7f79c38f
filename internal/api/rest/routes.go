package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dhoini/fleet-billing/internal/api/rest/handlers"
	"github.com/Dhoini/fleet-billing/internal/api/rest/middleware"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

// RouterDeps are the collaborators the HTTP routes are built on.
type RouterDeps struct {
	Service  handlers.SubscriptionService
	Webhooks handlers.WebhookParser
	Registry *prometheus.Registry
	// Readiness checks keyed by dependency name, served on /ready.
	Checks map[string]handlers.Pinger
	// Auth guards /plans and /subscriptions when set. Webhooks carry their own signature.
	Auth gin.HandlerFunc
}

// SetupRouter configures the Gin router with routes and middleware.
func SetupRouter(log *logger.Logger, deps RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	r.GET("/health", handlers.HealthCheck)
	r.GET("/ready", handlers.ReadinessCheck(deps.Checks))
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	subscriptionHandler := handlers.NewSubscriptionHandler(deps.Service, log)
	webhookHandler := handlers.NewWebhookHandler(deps.Webhooks, deps.Service, log)

	api := r.Group("")
	if deps.Auth != nil {
		api.Use(deps.Auth)
	}
	api.GET("/plans", subscriptionHandler.Plans)

	subscriptions := api.Group("/subscriptions")
	{
		subscriptions.POST("/change", subscriptionHandler.ChangePlan)
		subscriptions.POST("/intent", subscriptionHandler.CreateIntent)
		subscriptions.POST("/register", subscriptionHandler.Register)
		subscriptions.GET("/:tenantId", subscriptionHandler.GetSubscription)
		subscriptions.GET("/:tenantId/history", subscriptionHandler.History)
	}

	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/stripe", webhookHandler.HandleStripeWebhook)
	}
	return r
}
