package handler

import (
	"electricity-vending/internal/adapter/http/dto"
	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/pkg/apperror"
	"electricity-vending/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PaymentHandler receives payment gateway callbacks.
type PaymentHandler struct {
	purchaseSvc ports.PurchaseService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(purchaseSvc ports.PurchaseService) *PaymentHandler {
	return &PaymentHandler{purchaseSvc: purchaseSvc}
}

// Callback handles POST /api/v1/payments/callback. The request is already
// authenticated by middleware.CallbackAuth.
func (h *PaymentHandler) Callback(c *gin.Context) {
	var req dto.PaymentCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	id, err := uuid.Parse(req.PurchaseID)
	if err != nil {
		response.Error(c, apperror.Validation("invalid purchase_id"))
		return
	}

	purchase, err := h.purchaseSvc.SettlePayment(c.Request.Context(), id, domain.PaymentOutcome{
		Status:    domain.PurchaseStatus(req.Status),
		Reference: req.Reference,
		Reason:    req.Reason,
		Actor:     domain.ActorGateway,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.SettlementResponse{
		PurchaseID: purchase.ID.String(),
		Status:     string(purchase.Status),
	})
}
