package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
	"github.com/Dhoini/fleet-billing/pkg/req"
	"github.com/Dhoini/fleet-billing/pkg/res"
)

// SubscriptionService is what the HTTP layer needs from the service.
type SubscriptionService interface {
	ChangePlan(ctx context.Context, r domain.ChangeRequest) (*domain.ChangeResult, error)
	CreateIntent(ctx context.Context, r domain.IntentRequest) (*domain.IntentResult, error)
	RegisterTenant(ctx context.Context, r domain.RegisterRequest) (*domain.SubscriptionRecord, error)
	GetSubscription(ctx context.Context, tenantID string) (*domain.SubscriptionRecord, error)
	ListHistory(ctx context.Context, tenantID string, limit int) ([]domain.HistoryEntry, error)
	Plans() []domain.PriceEntry
	HandleProviderEvent(ctx context.Context, evt *domain.ProviderEvent) error
}

// SubscriptionHandler serves the subscription endpoints.
type SubscriptionHandler struct {
	svc SubscriptionService
	log *logger.Logger
}

// NewSubscriptionHandler creates the handler.
func NewSubscriptionHandler(svc SubscriptionService, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, log: log}
}

// ChangePlan handles POST /subscriptions/change.
func (h *SubscriptionHandler) ChangePlan(c *gin.Context) {
	body, err := req.HandleBody[domain.ChangeRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}

	result, err := h.svc.ChangePlan(c.Request.Context(), *body)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JsonResponse(c.Writer, result, http.StatusOK)
}

// CreateIntent handles POST /subscriptions/intent.
func (h *SubscriptionHandler) CreateIntent(c *gin.Context) {
	body, err := req.HandleBody[domain.IntentRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}

	result, err := h.svc.CreateIntent(c.Request.Context(), *body)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JsonResponse(c.Writer, result, http.StatusOK)
}

// Register handles POST /subscriptions/register.
func (h *SubscriptionHandler) Register(c *gin.Context) {
	body, err := req.HandleBody[domain.RegisterRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}

	rec, err := h.svc.RegisterTenant(c.Request.Context(), *body)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JsonResponse(c.Writer, rec, http.StatusCreated)
}

// GetSubscription handles GET /subscriptions/:tenantId.
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	rec, err := h.svc.GetSubscription(c.Request.Context(), c.Param("tenantId"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JsonResponse(c.Writer, rec, http.StatusOK)
}

// History handles GET /subscriptions/:tenantId/history?limit=N.
func (h *SubscriptionHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	entries, err := h.svc.ListHistory(c.Request.Context(), c.Param("tenantId"), limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JsonResponse(c.Writer, gin.H{"entries": entries}, http.StatusOK)
}

// Plans handles GET /plans.
func (h *SubscriptionHandler) Plans(c *gin.Context) {
	res.JsonResponse(c.Writer, gin.H{"plans": h.svc.Plans()}, http.StatusOK)
}

// writeError maps service errors to {error, code} replies.
func writeError(c *gin.Context, log *logger.Logger, err error) {
	var subErr *domain.SubscriptionError
	if errors.As(err, &subErr) {
		status := subErr.StatusCode
		if status == 0 {
			status = domain.StatusForCode(subErr.Code)
		}
		if status >= http.StatusInternalServerError {
			log.Errorw("Request failed", "path", c.FullPath(), "code", subErr.Code, "tenantID", subErr.TenantID, "error", err)
		}
		res.JsonErrorResponse(c.Writer, subErr.Code, subErr.Message, status)
		return
	}

	log.Errorw("Unhandled error", "path", c.FullPath(), "error", err)
	res.JsonErrorResponse(c.Writer, "INTERNAL", "internal server error", http.StatusInternalServerError)
}
