package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tariff is the price per kWh in effect for an estate.
type Tariff struct {
	EstateID      string          `json:"estate_id"`
	RatePerKWh    decimal.Decimal `json:"rate_per_kwh"`
	EffectiveFrom time.Time       `json:"effective_from"`
}
