package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MeterStatus represents whether a meter can receive credit.
type MeterStatus string

const (
	MeterStatusActive   MeterStatus = "ACTIVE"
	MeterStatusInactive MeterStatus = "INACTIVE"
	MeterStatusFaulty   MeterStatus = "FAULTY"
)

// Meter is the physical prepaid meter attached to a unit.
// Balance is in kWh and only ever grows through a purchase settlement.
type Meter struct {
	ID            uuid.UUID       `json:"id"`
	UnitID        string          `json:"unit_id"`
	EstateID      string          `json:"estate_id"`
	MeterNumber   string          `json:"meter_number"`
	Status        MeterStatus     `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// IsActive returns true if the meter can be credited.
func (m *Meter) IsActive() bool {
	return m.Status == MeterStatusActive
}
