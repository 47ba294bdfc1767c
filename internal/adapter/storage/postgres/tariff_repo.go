package postgres

import (
	"context"
	"errors"
	"fmt"

	"electricity-vending/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// TariffRepo implements ports.TariffRepository.
type TariffRepo struct {
	pool Pool
}

// NewTariffRepo creates a new TariffRepo.
func NewTariffRepo(pool Pool) *TariffRepo {
	return &TariffRepo{pool: pool}
}

// GetByEstateID returns the most recent tariff already in effect for an estate.
func (r *TariffRepo) GetByEstateID(ctx context.Context, estateID string) (*domain.Tariff, error) {
	query := `SELECT estate_id, rate_per_kwh, effective_from FROM tariffs
		WHERE estate_id = $1 AND effective_from <= NOW()
		ORDER BY effective_from DESC LIMIT 1`

	t := &domain.Tariff{}
	err := r.pool.QueryRow(ctx, query, estateID).Scan(&t.EstateID, &t.RatePerKWh, &t.EffectiveFrom)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tariff: %w", err)
	}
	return t, nil
}
