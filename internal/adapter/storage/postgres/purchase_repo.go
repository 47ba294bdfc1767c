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

const purchaseColumns = `id, user_id, unit_id, meter_id, estate_id,
	amount, tariff_rate, units_received, transaction_fee, service_fee, vat_amount, total_fees,
	status, token_value, token_type, token_issued_at, token_expires_at, token_used, token_used_at,
	payment_method, payment_reference, payment_status, payment_settled_at, payment_failure_reason,
	delivery_method, delivery_destination_enc, delivery_attempts, delivery_max_attempts,
	delivery_last_attempt_at, delivered_at,
	refund_amount, refund_reason, refund_processed_by, refund_processed_at, refund_reference,
	idempotency_key, created_at, updated_at`

// PurchaseRepo implements ports.PurchaseRepository.
// State transitions are single guarded UPDATEs; RowsAffected tells the
// caller whether it won.
type PurchaseRepo struct {
	pool Pool
}

// NewPurchaseRepo creates a new PurchaseRepo.
func NewPurchaseRepo(pool Pool) *PurchaseRepo {
	return &PurchaseRepo{pool: pool}
}

func (r *PurchaseRepo) exec(tx pgx.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.pool
}

// Create inserts a PENDING purchase. A duplicate token value inserts nothing
// and is reported as domain.ErrTokenCollision.
func (r *PurchaseRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.Purchase) error {
	query := `INSERT INTO purchases (` + purchaseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36, $37, $38)
		ON CONFLICT (token_value) DO NOTHING`

	var (
		refundAmount      decimal.NullDecimal
		refundReason      *string
		refundProcessedBy *string
		refundProcessedAt *time.Time
		refundReference   *string
	)
	if p.Refund != nil {
		refundAmount = decimal.NewNullDecimal(p.Refund.Amount)
		refundReason = &p.Refund.Reason
		refundProcessedBy = &p.Refund.ProcessedBy
		refundProcessedAt = &p.Refund.ProcessedAt
		refundReference = &p.Refund.Reference
	}

	tag, err := r.exec(tx).Exec(ctx, query,
		p.ID, p.UserID, p.UnitID, p.MeterID, p.EstateID,
		p.Amount, p.TariffRate, p.UnitsReceived, p.TransactionFee, p.ServiceFee, p.VATAmount, p.TotalFees,
		p.Status, p.Token.Value, p.Token.Type, p.Token.IssuedAt, p.Token.ExpiresAt, p.Token.IsUsed, p.Token.UsedAt,
		p.Payment.Method, p.Payment.Reference, p.Payment.Status, p.Payment.SettledAt, p.Payment.FailureReason,
		p.Delivery.Method, p.Delivery.DestinationEnc, p.Delivery.Attempts, p.Delivery.MaxAttempts,
		p.Delivery.LastAttemptAt, p.Delivery.DeliveredAt,
		refundAmount, refundReason, refundProcessedBy, refundProcessedAt, refundReference,
		p.IdempotencyKey, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTokenCollision
	}
	return nil
}

// GetByID fetches a purchase together with its audit history.
func (r *PurchaseRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`

	p, err := scanPurchase(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get purchase by id: %w", err)
	}

	p.AuditLog, err = r.listAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PurchaseRepo) listAudit(ctx context.Context, id uuid.UUID) ([]domain.AuditEntry, error) {
	query := `SELECT action, actor, details, created_at FROM purchase_audit_entries
		WHERE purchase_id = $1 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.Action, &e.Actor, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// MarkSettled moves a PENDING purchase to the outcome status.
func (r *PurchaseRepo) MarkSettled(ctx context.Context, tx pgx.Tx, id uuid.UUID, outcome domain.PaymentOutcome, settledAt time.Time) (bool, error) {
	query := `UPDATE purchases
		SET status = $2, payment_status = $2, payment_reference = $3,
			payment_settled_at = $4, payment_failure_reason = $5, updated_at = $4
		WHERE id = $1 AND status = 'PENDING'`

	reason := ""
	if outcome.Status != domain.PurchaseStatusCompleted {
		reason = outcome.Reason
	}

	tag, err := r.exec(tx).Exec(ctx, query, id, outcome.Status, outcome.Reference, settledAt, reason)
	if err != nil {
		return false, fmt.Errorf("mark purchase settled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRefunded writes the refund record once, from COMPLETED or FAILED.
func (r *PurchaseRepo) MarkRefunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, refund *domain.RefundRecord) (bool, error) {
	query := `UPDATE purchases
		SET status = 'REFUNDED', payment_status = 'REFUNDED',
			refund_amount = $2, refund_reason = $3, refund_processed_by = $4,
			refund_processed_at = $5, refund_reference = $6, updated_at = $5
		WHERE id = $1 AND refund_reference IS NULL AND status IN ('COMPLETED', 'FAILED')`

	tag, err := r.exec(tx).Exec(ctx, query,
		id, refund.Amount, refund.Reason, refund.ProcessedBy, refund.ProcessedAt, refund.Reference)
	if err != nil {
		return false, fmt.Errorf("mark purchase refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTokenUsed flags an unexpired, unused token of a COMPLETED purchase.
func (r *PurchaseRepo) MarkTokenUsed(ctx context.Context, tx pgx.Tx, id uuid.UUID, usedAt time.Time) (bool, error) {
	query := `UPDATE purchases
		SET token_used = TRUE, token_used_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'COMPLETED' AND NOT token_used AND token_expires_at > $2`

	tag, err := r.exec(tx).Exec(ctx, query, id, usedAt)
	if err != nil {
		return false, fmt.Errorf("mark token used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordDeliveryAttempt claims the next attempt slot.
func (r *PurchaseRepo) RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, at time.Time) (int, bool, error) {
	query := `UPDATE purchases
		SET delivery_attempts = delivery_attempts + 1, delivery_last_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND delivered_at IS NULL AND delivery_attempts < delivery_max_attempts
		RETURNING delivery_attempts`

	var attempts int
	err := r.pool.QueryRow(ctx, query, id, at).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("record delivery attempt: %w", err)
	}
	return attempts, true, nil
}

// MarkDelivered stamps the first successful delivery.
func (r *PurchaseRepo) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE purchases SET delivered_at = $2, updated_at = $2
		WHERE id = $1 AND delivered_at IS NULL`

	if _, err := r.pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark purchase delivered: %w", err)
	}
	return nil
}

// AppendAudit inserts an entry into the purchase history. tx may be nil.
func (r *PurchaseRepo) AppendAudit(ctx context.Context, tx pgx.Tx, id uuid.UUID, entry domain.AuditEntry) error {
	query := `INSERT INTO purchase_audit_entries (purchase_id, action, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.exec(tx).Exec(ctx, query, id, entry.Action, entry.Actor, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func scanPurchase(row pgx.Row) (*domain.Purchase, error) {
	var (
		p                 domain.Purchase
		refundAmount      decimal.NullDecimal
		refundReason      *string
		refundProcessedBy *string
		refundProcessedAt *time.Time
		refundReference   *string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.UnitID, &p.MeterID, &p.EstateID,
		&p.Amount, &p.TariffRate, &p.UnitsReceived, &p.TransactionFee, &p.ServiceFee, &p.VATAmount, &p.TotalFees,
		&p.Status, &p.Token.Value, &p.Token.Type, &p.Token.IssuedAt, &p.Token.ExpiresAt, &p.Token.IsUsed, &p.Token.UsedAt,
		&p.Payment.Method, &p.Payment.Reference, &p.Payment.Status, &p.Payment.SettledAt, &p.Payment.FailureReason,
		&p.Delivery.Method, &p.Delivery.DestinationEnc, &p.Delivery.Attempts, &p.Delivery.MaxAttempts,
		&p.Delivery.LastAttemptAt, &p.Delivery.DeliveredAt,
		&refundAmount, &refundReason, &refundProcessedBy, &refundProcessedAt, &refundReference,
		&p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if refundReference != nil {
		p.Refund = &domain.RefundRecord{
			Amount:    refundAmount.Decimal,
			Reference: *refundReference,
		}
		if refundReason != nil {
			p.Refund.Reason = *refundReason
		}
		if refundProcessedBy != nil {
			p.Refund.ProcessedBy = *refundProcessedBy
		}
		if refundProcessedAt != nil {
			p.Refund.ProcessedAt = *refundProcessedAt
		}
	}
	return &p, nil
}
