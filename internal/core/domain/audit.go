package domain

import "time"

// AuditAction represents the type of audited purchase event.
type AuditAction string

const (
	AuditActionCreated           AuditAction = "CREATED"
	AuditActionPaymentCompleted  AuditAction = "PAYMENT_COMPLETED"
	AuditActionPaymentFailed     AuditAction = "PAYMENT_FAILED"
	AuditActionPaymentCancelled  AuditAction = "PAYMENT_CANCELLED"
	AuditActionSettleRejected    AuditAction = "SETTLE_REJECTED"
	AuditActionRefunded          AuditAction = "REFUNDED"
	AuditActionRefundRejected    AuditAction = "REFUND_REJECTED"
	AuditActionTokenUsed         AuditAction = "TOKEN_USED"
	AuditActionTokenUseRejected  AuditAction = "TOKEN_USE_REJECTED"
	AuditActionDeliveryAttempted AuditAction = "DELIVERY_ATTEMPTED"
	AuditActionDeliveryRejected  AuditAction = "DELIVERY_REJECTED"
)

// Actors recorded for automated transitions.
const (
	ActorSystem  = "system"
	ActorGateway = "payment-gateway"
)

// AuditEntry is one append-only record in a purchase's history.
type AuditEntry struct {
	Action    AuditAction `json:"action"`
	Timestamp time.Time   `json:"timestamp"`
	Actor     string      `json:"actor"`
	Details   string      `json:"details,omitempty"`
}

// NewAuditEntry stamps an entry with the current UTC time.
func NewAuditEntry(action AuditAction, actor, details string) AuditEntry {
	return AuditEntry{
		Action:    action,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Details:   details,
	}
}

// SettlementAction maps a terminal payment status to its audit action.
func SettlementAction(status PurchaseStatus) AuditAction {
	switch status {
	case PurchaseStatusCompleted:
		return AuditActionPaymentCompleted
	case PurchaseStatusCancelled:
		return AuditActionPaymentCancelled
	default:
		return AuditActionPaymentFailed
	}
}
