package service

import (
	"context"
	"fmt"
	"time"

	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/internal/metrics"
	"electricity-vending/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// MeterServiceImpl implements ports.MeterService. It is the only writer of
// meter balances.
type MeterServiceImpl struct {
	meterRepo ports.MeterRepository
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewMeterService creates a new MeterServiceImpl. m may be nil.
func NewMeterService(meterRepo ports.MeterRepository, m *metrics.Metrics, log zerolog.Logger) *MeterServiceImpl {
	return &MeterServiceImpl{
		meterRepo: meterRepo,
		metrics:   m,
		log:       log,
	}
}

// Credit adds units to the meter balance inside tx with an atomic increment.
func (s *MeterServiceImpl) Credit(ctx context.Context, tx pgx.Tx, meterID uuid.UUID, units decimal.Decimal) (decimal.Decimal, error) {
	if !units.IsPositive() {
		return decimal.Zero, apperror.ErrInvalidAmount()
	}

	balance, err := s.meterRepo.Credit(ctx, tx, meterID, units, time.Now().UTC())
	if err != nil {
		return decimal.Zero, apperror.InternalError(fmt.Errorf("credit meter: %w", err))
	}

	s.metrics.ObserveMeterCredit(units)
	s.log.Info().
		Str("meter_id", meterID.String()).
		Str("units", units.StringFixed(2)).
		Str("balance", balance.StringFixed(2)).
		Msg("meter credited")

	return balance, nil
}

// GetMeter returns the meter with its current balance.
func (s *MeterServiceImpl) GetMeter(ctx context.Context, meterID uuid.UUID) (*domain.Meter, error) {
	meter, err := s.meterRepo.GetByID(ctx, meterID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get meter: %w", err))
	}
	if meter == nil {
		return nil, apperror.ErrNotFound("meter")
	}
	return meter, nil
}

// GetMeterForCustomer returns the meter only when userID has bought credit for
// it. Other meters are reported as not found.
func (s *MeterServiceImpl) GetMeterForCustomer(ctx context.Context, meterID uuid.UUID, userID string) (*domain.Meter, error) {
	owns, err := s.meterRepo.HasPurchaser(ctx, meterID, userID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("check meter purchaser: %w", err))
	}
	if !owns {
		return nil, apperror.ErrNotFound("meter")
	}
	return s.GetMeter(ctx, meterID)
}
