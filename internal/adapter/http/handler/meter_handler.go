package handler

import (
	"electricity-vending/internal/adapter/http/middleware"
	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/pkg/response"

	"github.com/gin-gonic/gin"
)

// MeterHandler exposes meter balances.
type MeterHandler struct {
	meterSvc ports.MeterService
}

// NewMeterHandler creates a new MeterHandler.
func NewMeterHandler(meterSvc ports.MeterService) *MeterHandler {
	return &MeterHandler{meterSvc: meterSvc}
}

// GetBalance handles GET /api/v1/meters/:id/balance. Customers only see
// meters they have bought credit for.
func (h *MeterHandler) GetBalance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var (
		meter *domain.Meter
		err   error
	)
	if c.GetString(middleware.CtxRole) == ports.RoleAdmin {
		meter, err = h.meterSvc.GetMeter(c.Request.Context(), id)
	} else {
		meter, err = h.meterSvc.GetMeterForCustomer(c.Request.Context(), id, c.GetString(middleware.CtxUserID))
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toMeterBalanceResponse(meter))
}
