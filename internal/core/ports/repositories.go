package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PurchaseRepository defines persistence operations for the purchase ledger.
// Mark* methods are conditional updates: they return false when the guard
// (e.g. status = PENDING) no longer holds, and never overwrite terminal fields.
type PurchaseRepository interface {
	// Create inserts a PENDING purchase. Returns domain.ErrTokenCollision when
	// the token value is already taken.
	Create(ctx context.Context, tx pgx.Tx, purchase *domain.Purchase) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Purchase, error)
	MarkSettled(ctx context.Context, tx pgx.Tx, id uuid.UUID, outcome domain.PaymentOutcome, settledAt time.Time) (bool, error)
	MarkRefunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, refund *domain.RefundRecord) (bool, error)
	MarkTokenUsed(ctx context.Context, tx pgx.Tx, id uuid.UUID, usedAt time.Time) (bool, error)
	// RecordDeliveryAttempt increments the attempt counter while attempts < max
	// and the token is undelivered. Returns the new count and whether it applied.
	RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, at time.Time) (int, bool, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	// AppendAudit adds an entry to the purchase history. tx may be nil.
	AppendAudit(ctx context.Context, tx pgx.Tx, id uuid.UUID, entry domain.AuditEntry) error
}

// MeterRepository defines persistence operations for meters.
type MeterRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Meter, error)
	GetByUnitID(ctx context.Context, unitID string) (*domain.Meter, error)
	// HasPurchaser reports whether userID has at least one purchase on the meter.
	HasPurchaser(ctx context.Context, meterID uuid.UUID, userID string) (bool, error)
	// Credit atomically adds units to the balance and returns the new balance.
	Credit(ctx context.Context, tx pgx.Tx, meterID uuid.UUID, units decimal.Decimal, at time.Time) (decimal.Decimal, error)
}

// TariffRepository reads the rate in effect for an estate.
type TariffRepository interface {
	GetByEstateID(ctx context.Context, estateID string) (*domain.Tariff, error)
}

// IdempotencyRepository defines persistence for idempotency logs (DB backup).
type IdempotencyRepository interface {
	Create(ctx context.Context, tx pgx.Tx, log *domain.IdempotencyLog) error
	Get(ctx context.Context, key string) (*domain.IdempotencyLog, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
