package domain

import "time"

// DeliveryMethod is the channel a token is sent over.
type DeliveryMethod string

const (
	DeliveryMethodSMS   DeliveryMethod = "SMS"
	DeliveryMethodEmail DeliveryMethod = "EMAIL"
	DeliveryMethodInApp DeliveryMethod = "IN_APP"
)

// Valid reports whether m is a known delivery method.
func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryMethodSMS, DeliveryMethodEmail, DeliveryMethodInApp:
		return true
	}
	return false
}

// DeliveryStatus is the derived state of token delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusRetrying  DeliveryStatus = "RETRYING"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
)

// DeliveryRecord tracks attempts to hand the token to the customer.
// Attempts never exceeds MaxAttempts.
type DeliveryRecord struct {
	Method         DeliveryMethod `json:"method"`
	DestinationEnc string         `json:"-"` // AES-256-GCM encrypted phone number or e-mail
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

// Status derives the delivery state.
func (d DeliveryRecord) Status() DeliveryStatus {
	switch {
	case d.DeliveredAt != nil:
		return DeliveryStatusDelivered
	case d.MaxAttempts > 0 && d.Attempts >= d.MaxAttempts:
		return DeliveryStatusFailed
	case d.Attempts > 0:
		return DeliveryStatusRetrying
	default:
		return DeliveryStatusPending
	}
}

// Exhausted reports whether no further attempt is allowed.
func (d DeliveryRecord) Exhausted() bool {
	return d.Attempts >= d.MaxAttempts
}

// DeliveryMessage is what a channel sends for one attempt.
type DeliveryMessage struct {
	PurchaseID    string         `json:"purchase_id"`
	Method        DeliveryMethod `json:"method"`
	Destination   string         `json:"destination"`
	Token         string         `json:"token"` // grouped for display
	Units         string         `json:"units"`
	MeterID       string         `json:"meter_id"`
	ExpiresAt     time.Time      `json:"expires_at"`
	AttemptNumber int            `json:"attempt"`
}
