package memory

import (
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Demo fixtures loaded when the service runs on the memory driver.
const (
	DemoEstateID = "EST-DEMO"
	DemoUnitID   = "UNIT-001"
)

// DemoMeterID is stable so that local clients can query the demo balance.
var DemoMeterID = uuid.MustParse("5f0c4a1e-8d2b-4c53-9a57-3e1f6b2d7c90")

// SeedDemo loads one estate with an active meter and a 2.50/kWh tariff.
func SeedDemo(s *Store) {
	now := time.Now().UTC()
	s.PutTariff(domain.Tariff{
		EstateID:      DemoEstateID,
		RatePerKWh:    decimal.RequireFromString("2.50"),
		EffectiveFrom: now,
	})
	s.PutMeter(domain.Meter{
		ID:            DemoMeterID,
		UnitID:        DemoUnitID,
		EstateID:      DemoEstateID,
		MeterNumber:   "04004444884",
		Status:        domain.MeterStatusActive,
		Balance:       decimal.Zero,
		LastUpdatedAt: now,
	})
}
