package handler

import (
	"electricity-vending/internal/adapter/http/dto"
	"electricity-vending/internal/adapter/http/middleware"
	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/pkg/apperror"
	"electricity-vending/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HeaderIdempotencyKey is the client-chosen key that makes CreatePurchase retry-safe.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotencyKeyLen = 100

// PurchaseHandler handles the purchase ledger endpoints.
type PurchaseHandler struct {
	purchaseSvc    ports.PurchaseService
	deliverySvc    ports.DeliveryService
	tokenGroupSize int
}

// NewPurchaseHandler creates a new PurchaseHandler.
func NewPurchaseHandler(purchaseSvc ports.PurchaseService, deliverySvc ports.DeliveryService, tokenGroupSize int) *PurchaseHandler {
	return &PurchaseHandler{
		purchaseSvc:    purchaseSvc,
		deliverySvc:    deliverySvc,
		tokenGroupSize: tokenGroupSize,
	}
}

// CreatePurchase handles POST /api/v1/purchases.
func (h *PurchaseHandler) CreatePurchase(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserID)
	if userID == "" {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	idempKey := c.GetHeader(HeaderIdempotencyKey)
	if len(idempKey) > maxIdempotencyKeyLen {
		response.Error(c, apperror.Validation("Idempotency-Key is too long"))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		response.Error(c, apperror.ErrInvalidAmount())
		return
	}

	purchase, err := h.purchaseSvc.CreatePurchase(c.Request.Context(), ports.CreatePurchaseRequest{
		UserID:              userID,
		UnitID:              req.UnitID,
		Amount:              amount,
		PaymentMethod:       domain.PaymentMethod(req.PaymentMethod),
		DeliveryMethod:      domain.DeliveryMethod(req.DeliveryMethod),
		DeliveryDestination: req.DeliveryDestination,
		IdempotencyKey:      idempKey,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toPurchaseResponse(purchase, h.tokenGroupSize))
}

// GetPurchase handles GET /api/v1/purchases/:id.
func (h *PurchaseHandler) GetPurchase(c *gin.Context) {
	purchase, ok := h.loadOwned(c)
	if !ok {
		return
	}
	response.OK(c, toPurchaseResponse(purchase, h.tokenGroupSize))
}

// RetryDelivery handles POST /api/v1/purchases/:id/delivery/retry.
func (h *PurchaseHandler) RetryDelivery(c *gin.Context) {
	purchase, ok := h.loadOwned(c)
	if !ok {
		return
	}

	status, err := h.deliverySvc.RetryDelivery(c.Request.Context(), purchase.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.DeliveryStatusResponse{
		PurchaseID: purchase.ID.String(),
		Status:     string(status),
	})
}

// UseToken handles POST /api/v1/purchases/:id/token/use.
func (h *PurchaseHandler) UseToken(c *gin.Context) {
	purchase, ok := h.loadOwned(c)
	if !ok {
		return
	}

	var req dto.UseTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, apperror.Validation(err.Error()))
			return
		}
	}
	// Only admins may redeem on behalf of a named device or operator.
	actor := c.GetString(middleware.CtxUserID)
	if req.Actor != "" && c.GetString(middleware.CtxRole) == ports.RoleAdmin {
		actor = req.Actor
	}

	usage, err := h.purchaseSvc.UseToken(c.Request.Context(), purchase.ID, actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toTokenUsageResponse(usage))
}

// ProcessRefund handles POST /api/v1/purchases/:id/refund (admin only).
func (h *PurchaseHandler) ProcessRefund(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req dto.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	var amount *decimal.Decimal
	if req.Amount != nil {
		a, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			response.Error(c, apperror.ErrInvalidAmount())
			return
		}
		amount = &a
	}

	refund, err := h.purchaseSvc.ProcessRefund(c.Request.Context(), ports.RefundRequest{
		PurchaseID: id,
		Reason:     req.Reason,
		Amount:     amount,
		ActorID:    c.GetString(middleware.CtxUserID),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toRefundResponse(refund))
}

// loadOwned fetches the purchase named in the path. Customers only see their
// own purchases; anything else is reported as not found.
func (h *PurchaseHandler) loadOwned(c *gin.Context) (*domain.Purchase, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}

	purchase, err := h.purchaseSvc.GetPurchase(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}

	if c.GetString(middleware.CtxRole) != ports.RoleAdmin && purchase.UserID != c.GetString(middleware.CtxUserID) {
		response.Error(c, apperror.ErrNotFound("purchase"))
		return nil, false
	}
	return purchase, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}
