package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PurchaseStatus is the lifecycle state shared by the ledger and its payment.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "PENDING"
	PurchaseStatusCompleted PurchaseStatus = "COMPLETED"
	PurchaseStatusFailed    PurchaseStatus = "FAILED"
	PurchaseStatusCancelled PurchaseStatus = "CANCELLED"
	PurchaseStatusRefunded  PurchaseStatus = "REFUNDED"
)

// PaymentMethod is how the customer paid.
type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "CARD"
	PaymentMethodEFT    PaymentMethod = "EFT"
	PaymentMethodWallet PaymentMethod = "WALLET"
	PaymentMethodCash   PaymentMethod = "CASH"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodEFT, PaymentMethodWallet, PaymentMethodCash:
		return true
	}
	return false
}

// TokenType distinguishes credit tokens from engineering tokens.
type TokenType string

const TokenTypeCredit TokenType = "CREDIT"

// Token is the numeric credit code handed to the customer.
// Value is stored ungrouped; use FormattedToken for display.
type Token struct {
	Value     string     `json:"value"`
	Type      TokenType  `json:"type"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	IsUsed    bool       `json:"is_used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// IsExpired reports whether the token is past its expiry at now.
func (t Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// PaymentRecord tracks settlement of the customer's payment.
type PaymentRecord struct {
	Method        PaymentMethod  `json:"method"`
	Reference     string         `json:"reference,omitempty"`
	Status        PurchaseStatus `json:"status"`
	SettledAt     *time.Time     `json:"settled_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// RefundRecord is written at most once per purchase.
type RefundRecord struct {
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	ProcessedBy string          `json:"processed_by"`
	ProcessedAt time.Time       `json:"processed_at"`
	Reference   string          `json:"reference"`
}

// Purchase is one attempt to convert money into electricity credit.
type Purchase struct {
	ID       uuid.UUID `json:"id"`
	UserID   string    `json:"user_id"`
	UnitID   string    `json:"unit_id"`
	MeterID  uuid.UUID `json:"meter_id"`
	EstateID string    `json:"estate_id"`

	Amount         decimal.Decimal `json:"amount"`
	TariffRate     decimal.Decimal `json:"tariff_rate"`
	UnitsReceived  decimal.Decimal `json:"units_received"`
	TransactionFee decimal.Decimal `json:"transaction_fee"`
	ServiceFee     decimal.Decimal `json:"service_fee"`
	VATAmount      decimal.Decimal `json:"vat_amount"`
	TotalFees      decimal.Decimal `json:"total_fees"`

	Status   PurchaseStatus `json:"status"`
	Token    Token          `json:"token"`
	Payment  PaymentRecord  `json:"payment"`
	Delivery DeliveryRecord `json:"delivery"`
	Refund   *RefundRecord  `json:"refund,omitempty"`
	AuditLog []AuditEntry   `json:"audit_log,omitempty"`

	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TotalAmount is what the customer paid; fees are deducted from it before conversion.
func (p *Purchase) TotalAmount() decimal.Decimal {
	return p.Amount
}

// NetAmount is the part of the payment converted into units.
func (p *Purchase) NetAmount() decimal.Decimal {
	return p.Amount.Sub(p.TotalFees)
}

// Efficiency is units received per currency unit paid.
func (p *Purchase) Efficiency() decimal.Decimal {
	if !p.Amount.IsPositive() {
		return decimal.Zero
	}
	return p.UnitsReceived.DivRound(p.Amount, 4)
}

// IsTerminal reports whether the payment has left PENDING.
func (p *Purchase) IsTerminal() bool {
	return p.Status != PurchaseStatusPending
}

// IsRefundable reports whether an admin refund may still be issued.
func (p *Purchase) IsRefundable() bool {
	if p.Refund != nil {
		return false
	}
	return p.Status == PurchaseStatusCompleted || p.Status == PurchaseStatusFailed
}

// FormattedToken groups the token value for display, e.g. "1234 5678 9012 3456 7890".
func (p *Purchase) FormattedToken(groupSize int) string {
	return FormatToken(p.Token.Value, groupSize)
}

// DeliveryStatus is derived from the delivery counters and never stored.
func (p *Purchase) DeliveryStatus() DeliveryStatus {
	return p.Delivery.Status()
}

// FormatToken splits value into space separated groups of groupSize digits.
func FormatToken(value string, groupSize int) string {
	if groupSize <= 0 || len(value) <= groupSize {
		return value
	}
	var b strings.Builder
	b.Grow(len(value) + len(value)/groupSize)
	for i, r := range value {
		if i > 0 && i%groupSize == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
