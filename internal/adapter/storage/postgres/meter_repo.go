package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// MeterRepo implements ports.MeterRepository.
type MeterRepo struct {
	pool Pool
}

// NewMeterRepo creates a new MeterRepo.
func NewMeterRepo(pool Pool) *MeterRepo {
	return &MeterRepo{pool: pool}
}

// GetByID fetches a meter by its ID.
func (r *MeterRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Meter, error) {
	query := `SELECT id, unit_id, estate_id, meter_number, status, balance, last_updated_at
		FROM meters WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByUnitID fetches the meter attached to a unit.
func (r *MeterRepo) GetByUnitID(ctx context.Context, unitID string) (*domain.Meter, error) {
	query := `SELECT id, unit_id, estate_id, meter_number, status, balance, last_updated_at
		FROM meters WHERE unit_id = $1`
	return r.getOne(ctx, query, unitID)
}

func (r *MeterRepo) getOne(ctx context.Context, query string, arg any) (*domain.Meter, error) {
	m := &domain.Meter{}
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&m.ID, &m.UnitID, &m.EstateID, &m.MeterNumber, &m.Status, &m.Balance, &m.LastUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get meter: %w", err)
	}
	return m, nil
}

// HasPurchaser reports whether userID has bought credit for the meter.
func (r *MeterRepo) HasPurchaser(ctx context.Context, meterID uuid.UUID, userID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM purchases WHERE meter_id = $1 AND user_id = $2)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, meterID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check meter purchaser: %w", err)
	}
	return exists, nil
}

// Credit adds units to the balance in one statement, so concurrent
// credits never lose an update.
func (r *MeterRepo) Credit(ctx context.Context, tx pgx.Tx, meterID uuid.UUID, units decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	query := `UPDATE meters SET balance = balance + $2, last_updated_at = $3
		WHERE id = $1 RETURNING balance`

	var q querier = r.pool
	if tx != nil {
		q = tx
	}

	var balance decimal.Decimal
	err := q.QueryRow(ctx, query, meterID, units, at).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("credit meter: meter %s not found", meterID)
		}
		return decimal.Zero, fmt.Errorf("credit meter: %w", err)
	}
	return balance, nil
}
