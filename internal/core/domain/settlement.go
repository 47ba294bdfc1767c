package domain

// PaymentOutcome is the gateway's verdict on a pending purchase.
type PaymentOutcome struct {
	Status    PurchaseStatus `json:"status"` // COMPLETED, FAILED or CANCELLED
	Reference string         `json:"reference,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Actor     string         `json:"actor,omitempty"`
}

// Valid reports whether the outcome names a status reachable from PENDING.
func (o PaymentOutcome) Valid() bool {
	switch o.Status {
	case PurchaseStatusCompleted, PurchaseStatusFailed, PurchaseStatusCancelled:
		return true
	}
	return false
}
