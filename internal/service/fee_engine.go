package service

import "github.com/shopspring/decimal"

// moneyPlaces is the fixed-point precision for currency and kWh.
const moneyPlaces = 2

// FeeSchedule holds the configurable fee constants.
type FeeSchedule struct {
	FixedMinimumFee decimal.Decimal
	FeeRate         decimal.Decimal
	VATRate         decimal.Decimal
	ServiceFee      decimal.Decimal
}

// FeeBreakdown is the fee split for one amount.
// TotalFees = TransactionFee + ServiceFee + VATAmount.
type FeeBreakdown struct {
	TransactionFee decimal.Decimal
	ServiceFee     decimal.Decimal
	VATAmount      decimal.Decimal
	TotalFees      decimal.Decimal
}

// Quote bundles everything the ledger stores at creation.
type Quote struct {
	Amount     decimal.Decimal
	TariffRate decimal.Decimal
	Units      decimal.Decimal
	Fees       FeeBreakdown
}

// FeeEngine converts money to energy units and back. It has no side effects.
type FeeEngine struct {
	schedule FeeSchedule
}

// NewFeeEngine creates a FeeEngine for the given schedule.
func NewFeeEngine(schedule FeeSchedule) *FeeEngine {
	return &FeeEngine{schedule: schedule}
}

// Schedule returns the fee constants in use.
func (e *FeeEngine) Schedule() FeeSchedule {
	return e.schedule
}

// ComputeFees returns the fee split for amount. Each fee is rounded up to
// cents. Non-positive amounts carry no fees.
func (e *FeeEngine) ComputeFees(amount decimal.Decimal) FeeBreakdown {
	if !amount.IsPositive() {
		return FeeBreakdown{
			TransactionFee: decimal.Zero,
			ServiceFee:     decimal.Zero,
			VATAmount:      decimal.Zero,
			TotalFees:      decimal.Zero,
		}
	}

	txFee := decimal.Max(e.schedule.FixedMinimumFee, amount.Mul(e.schedule.FeeRate)).RoundCeil(moneyPlaces)
	vat := txFee.Mul(e.schedule.VATRate).RoundCeil(moneyPlaces)
	service := e.schedule.ServiceFee.RoundCeil(moneyPlaces)

	return FeeBreakdown{
		TransactionFee: txFee,
		ServiceFee:     service,
		VATAmount:      vat,
		TotalFees:      txFee.Add(service).Add(vat),
	}
}

// AmountToUnits returns the kWh bought by amount after fees, truncated to
// two decimals. Returns zero when fees consume the whole amount or the
// inputs are not positive.
func (e *FeeEngine) AmountToUnits(amount, tariffRate decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() || !tariffRate.IsPositive() {
		return decimal.Zero
	}
	net := amount.Sub(e.ComputeFees(amount).TotalFees)
	if !net.IsPositive() {
		return decimal.Zero
	}
	units, _ := net.QuoRem(tariffRate, moneyPlaces)
	return units
}

// UnitsToAmount returns the amount to charge for units, with fees computed
// on the energy cost, rounded up to cents.
func (e *FeeEngine) UnitsToAmount(units, tariffRate decimal.Decimal) decimal.Decimal {
	if !units.IsPositive() || !tariffRate.IsPositive() {
		return decimal.Zero
	}
	cost := units.Mul(tariffRate)
	return cost.Add(e.ComputeFees(cost).TotalFees).RoundCeil(moneyPlaces)
}

// Quote computes fees and units for a purchase of amount at tariffRate.
func (e *FeeEngine) Quote(amount, tariffRate decimal.Decimal) Quote {
	return Quote{
		Amount:     amount,
		TariffRate: tariffRate,
		Units:      e.AmountToUnits(amount, tariffRate),
		Fees:       e.ComputeFees(amount),
	}
}

// HasCentPrecision reports whether amount uses at most two decimal places.
func HasCentPrecision(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(moneyPlaces))
}
