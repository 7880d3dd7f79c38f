package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
	"github.com/Dhoini/fleet-billing/pkg/res"
)

// MaxWebhookBodyBytes caps the size of a provider webhook payload.
const MaxWebhookBodyBytes = int64(65536)

// WebhookParser verifies and decodes a provider webhook.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*domain.ProviderEvent, error)
}

// WebhookHandler receives Stripe webhooks.
type WebhookHandler struct {
	parser WebhookParser
	svc    SubscriptionService
	log    *logger.Logger
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(parser WebhookParser, svc SubscriptionService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{parser: parser, svc: svc, log: log}
}

// HandleStripeWebhook handles POST /webhooks/stripe. A 5xx reply makes Stripe redeliver.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warnw("Failed to read webhook body", "error", err)
		res.JsonErrorResponse(c.Writer, "INVALID_PAYLOAD", "failed to read webhook body", http.StatusRequestEntityTooLarge)
		return
	}

	evt, err := h.parser.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, domain.ErrWebhookValidationFailed) {
			res.JsonErrorResponse(c.Writer, domain.CodeInvalidSignature, "webhook signature verification failed", http.StatusBadRequest)
			return
		}
		h.log.Errorw("Failed to decode webhook event", "error", err)
		res.JsonErrorResponse(c.Writer, "INVALID_PAYLOAD", "webhook payload could not be decoded", http.StatusBadRequest)
		return
	}

	if err := h.svc.HandleProviderEvent(c.Request.Context(), evt); err != nil {
		h.log.Errorw("Failed to handle webhook event", "eventID", evt.ID, "type", string(evt.Type), "error", err)
		code := domain.CodeOf(err)
		if code == "" {
			code = "INTERNAL"
		}
		res.JsonErrorResponse(c.Writer, code, "failed to process webhook event", http.StatusInternalServerError)
		return
	}
	res.JsonResponse(c.Writer, gin.H{"received": true}, http.StatusOK)
}
