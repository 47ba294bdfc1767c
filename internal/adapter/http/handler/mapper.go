package handler

import (
	"time"

	"electricity-vending/internal/adapter/http/dto"
	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// toPurchaseResponse converts domain.Purchase to its public view.
func toPurchaseResponse(p *domain.Purchase, tokenGroupSize int) dto.PurchaseResponse {
	resp := dto.PurchaseResponse{
		ID:            p.ID.String(),
		UserID:        p.UserID,
		UnitID:        p.UnitID,
		MeterID:       p.MeterID.String(),
		Status:        string(p.Status),
		Amount:        p.Amount.StringFixed(2),
		NetAmount:     p.NetAmount().StringFixed(2),
		TariffRate:    p.TariffRate.String(),
		UnitsReceived: p.UnitsReceived.StringFixed(2),
		Efficiency:    p.Efficiency().String(),
		Fees: dto.FeesResponse{
			TransactionFee: p.TransactionFee.StringFixed(2),
			ServiceFee:     p.ServiceFee.StringFixed(2),
			VATAmount:      p.VATAmount.StringFixed(2),
			TotalFees:      p.TotalFees.StringFixed(2),
		},
		Token: dto.TokenResponse{
			Value:     p.FormattedToken(tokenGroupSize),
			ExpiresAt: formatTime(p.Token.ExpiresAt),
			IsUsed:    p.Token.IsUsed,
			UsedAt:    formatTimePtr(p.Token.UsedAt),
		},
		Payment: dto.PaymentResponse{
			Method:        string(p.Payment.Method),
			Status:        string(p.Payment.Status),
			Reference:     p.Payment.Reference,
			SettledAt:     formatTimePtr(p.Payment.SettledAt),
			FailureReason: p.Payment.FailureReason,
		},
		Delivery: dto.DeliveryResponse{
			Method:        string(p.Delivery.Method),
			Status:        string(p.DeliveryStatus()),
			Attempts:      p.Delivery.Attempts,
			MaxAttempts:   p.Delivery.MaxAttempts,
			LastAttemptAt: formatTimePtr(p.Delivery.LastAttemptAt),
			DeliveredAt:   formatTimePtr(p.Delivery.DeliveredAt),
		},
		CreatedAt: formatTime(p.CreatedAt),
		UpdatedAt: formatTime(p.UpdatedAt),
	}
	if p.Refund != nil {
		r := toRefundResponse(p.Refund)
		resp.Refund = &r
	}
	for _, e := range p.AuditLog {
		resp.AuditLog = append(resp.AuditLog, dto.AuditEntryResponse{
			Action:    string(e.Action),
			Actor:     e.Actor,
			Details:   e.Details,
			Timestamp: formatTime(e.Timestamp),
		})
	}
	return resp
}

func toRefundResponse(r *domain.RefundRecord) dto.RefundResponse {
	return dto.RefundResponse{
		Amount:      r.Amount.StringFixed(2),
		Reason:      r.Reason,
		ProcessedBy: r.ProcessedBy,
		ProcessedAt: formatTime(r.ProcessedAt),
		Reference:   r.Reference,
	}
}

func toTokenUsageResponse(u *ports.TokenUsage) dto.TokenUsageResponse {
	return dto.TokenUsageResponse{
		PurchaseID: u.PurchaseID.String(),
		UnitsAdded: u.UnitsAdded.StringFixed(2),
		UsedAt:     formatTime(u.UsedAt),
	}
}

func toMeterBalanceResponse(m *domain.Meter) dto.MeterBalanceResponse {
	return dto.MeterBalanceResponse{
		MeterID:       m.ID.String(),
		UnitID:        m.UnitID,
		MeterNumber:   m.MeterNumber,
		Status:        string(m.Status),
		Balance:       m.Balance.StringFixed(2),
		LastUpdatedAt: formatTime(m.LastUpdatedAt),
	}
}
