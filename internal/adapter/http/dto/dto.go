package dto

// CreatePurchaseRequest is the request body for buying electricity.
// The idempotency key travels in the Idempotency-Key header.
type CreatePurchaseRequest struct {
	UnitID              string `json:"unit_id" binding:"required,max=64,safe_id"`
	Amount              string `json:"amount" binding:"required,decimal"`
	PaymentMethod       string `json:"payment_method" binding:"required,oneof=CARD EFT WALLET CASH"`
	DeliveryMethod      string `json:"delivery_method" binding:"required,oneof=SMS EMAIL IN_APP"`
	DeliveryDestination string `json:"delivery_destination" binding:"required,max=254"`
}

// RefundRequest is the request body for an admin refund. A missing amount
// refunds the full purchase amount.
type RefundRequest struct {
	Reason string  `json:"reason" binding:"required,max=500"`
	Amount *string `json:"amount,omitempty" binding:"omitempty,decimal"`
}

// UseTokenRequest optionally names the device or operator redeeming the token.
// Actor is honoured for admins only.
type UseTokenRequest struct {
	Actor string `json:"actor" binding:"omitempty,max=100,safe_id"`
}

// PaymentCallbackRequest is the gateway's verdict on a pending purchase.
type PaymentCallbackRequest struct {
	PurchaseID string `json:"purchase_id" binding:"required,uuid"`
	Status     string `json:"status" binding:"required,oneof=COMPLETED FAILED CANCELLED"`
	Reference  string `json:"reference" binding:"omitempty,max=100,safe_id"`
	Reason     string `json:"reason" binding:"max=500"`
}

// FeesResponse breaks down what was deducted before conversion.
type FeesResponse struct {
	TransactionFee string `json:"transaction_fee"`
	ServiceFee     string `json:"service_fee"`
	VATAmount      string `json:"vat_amount"`
	TotalFees      string `json:"total_fees"`
}

// TokenResponse carries the display form of the credit token.
type TokenResponse struct {
	Value     string  `json:"value"`
	ExpiresAt string  `json:"expires_at"`
	IsUsed    bool    `json:"is_used"`
	UsedAt    *string `json:"used_at,omitempty"`
}

type PaymentResponse struct {
	Method        string  `json:"method"`
	Status        string  `json:"status"`
	Reference     string  `json:"reference,omitempty"`
	SettledAt     *string `json:"settled_at,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

type DeliveryResponse struct {
	Method        string  `json:"method"`
	Status        string  `json:"status"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	LastAttemptAt *string `json:"last_attempt_at,omitempty"`
	DeliveredAt   *string `json:"delivered_at,omitempty"`
}

type RefundResponse struct {
	Amount      string `json:"amount"`
	Reason      string `json:"reason"`
	ProcessedBy string `json:"processed_by"`
	ProcessedAt string `json:"processed_at"`
	Reference   string `json:"reference"`
}

type AuditEntryResponse struct {
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PurchaseResponse is the public view of a purchase.
type PurchaseResponse struct {
	ID            string               `json:"id"`
	UserID        string               `json:"user_id"`
	UnitID        string               `json:"unit_id"`
	MeterID       string               `json:"meter_id"`
	Status        string               `json:"status"`
	Amount        string               `json:"amount"`
	NetAmount     string               `json:"net_amount"`
	TariffRate    string               `json:"tariff_rate"`
	UnitsReceived string               `json:"units_received"`
	Efficiency    string               `json:"efficiency"`
	Fees          FeesResponse         `json:"fees"`
	Token         TokenResponse        `json:"token"`
	Payment       PaymentResponse      `json:"payment"`
	Delivery      DeliveryResponse     `json:"delivery"`
	Refund        *RefundResponse      `json:"refund,omitempty"`
	AuditLog      []AuditEntryResponse `json:"audit_log,omitempty"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at"`
}

type DeliveryStatusResponse struct {
	PurchaseID string `json:"purchase_id"`
	Status     string `json:"status"`
}

type TokenUsageResponse struct {
	PurchaseID string `json:"purchase_id"`
	UnitsAdded string `json:"units_added"`
	UsedAt     string `json:"used_at"`
}

type MeterBalanceResponse struct {
	MeterID       string `json:"meter_id"`
	UnitID        string `json:"unit_id"`
	MeterNumber   string `json:"meter_number"`
	Status        string `json:"status"`
	Balance       string `json:"balance"`
	LastUpdatedAt string `json:"last_updated_at"`
}

// SettlementResponse acknowledges a gateway callback.
type SettlementResponse struct {
	PurchaseID string `json:"purchase_id"`
	Status     string `json:"status"`
}
