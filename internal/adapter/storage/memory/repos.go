package memory

import (
	"context"
	"fmt"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// --- Purchases ---

// PurchaseRepo implements ports.PurchaseRepository.
type PurchaseRepo struct{ s *Store }

// NewPurchaseRepo creates a purchase repository backed by s.
func NewPurchaseRepo(s *Store) *PurchaseRepo { return &PurchaseRepo{s: s} }

func (r *PurchaseRepo) Create(_ context.Context, tx pgx.Tx, p *domain.Purchase) error {
	return r.s.write(tx, func(onRollback func(func())) error {
		if _, taken := r.s.tokens[p.Token.Value]; taken {
			return domain.ErrTokenCollision
		}
		if _, exists := r.s.purchases[p.ID]; exists {
			return fmt.Errorf("purchase %s already exists", p.ID)
		}
		r.s.purchases[p.ID] = clonePurchase(p)
		r.s.tokens[p.Token.Value] = p.ID
		onRollback(func() {
			delete(r.s.purchases, p.ID)
			delete(r.s.tokens, p.Token.Value)
		})
		return nil
	})
}

func (r *PurchaseRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Purchase, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.purchases[id]
	if !ok {
		return nil, nil
	}
	return clonePurchase(p), nil
}

// update applies fn to the stored purchase when guard holds.
func (r *PurchaseRepo) update(tx pgx.Tx, id uuid.UUID, guard func(*domain.Purchase) bool, fn func(*domain.Purchase)) (bool, error) {
	applied := false
	err := r.s.write(tx, func(onRollback func(func())) error {
		p, ok := r.s.purchases[id]
		if !ok || !guard(p) {
			return nil
		}
		before := clonePurchase(p)
		fn(p)
		onRollback(func() { r.s.purchases[id] = before })
		applied = true
		return nil
	})
	return applied, err
}

func (r *PurchaseRepo) MarkSettled(_ context.Context, tx pgx.Tx, id uuid.UUID, outcome domain.PaymentOutcome, settledAt time.Time) (bool, error) {
	return r.update(tx, id,
		func(p *domain.Purchase) bool { return p.Status == domain.PurchaseStatusPending },
		func(p *domain.Purchase) {
			at := settledAt
			p.Status = outcome.Status
			p.Payment.Status = outcome.Status
			p.Payment.Reference = outcome.Reference
			p.Payment.SettledAt = &at
			if outcome.Status != domain.PurchaseStatusCompleted {
				p.Payment.FailureReason = outcome.Reason
			}
			p.UpdatedAt = settledAt
		})
}

func (r *PurchaseRepo) MarkRefunded(_ context.Context, tx pgx.Tx, id uuid.UUID, refund *domain.RefundRecord) (bool, error) {
	return r.update(tx, id,
		func(p *domain.Purchase) bool { return p.IsRefundable() },
		func(p *domain.Purchase) {
			rec := *refund
			p.Refund = &rec
			p.Status = domain.PurchaseStatusRefunded
			p.Payment.Status = domain.PurchaseStatusRefunded
			p.UpdatedAt = refund.ProcessedAt
		})
}

func (r *PurchaseRepo) MarkTokenUsed(_ context.Context, tx pgx.Tx, id uuid.UUID, usedAt time.Time) (bool, error) {
	return r.update(tx, id,
		func(p *domain.Purchase) bool {
			return p.Status == domain.PurchaseStatusCompleted && !p.Token.IsUsed && !p.Token.IsExpired(usedAt)
		},
		func(p *domain.Purchase) {
			at := usedAt
			p.Token.IsUsed = true
			p.Token.UsedAt = &at
			p.UpdatedAt = usedAt
		})
}

func (r *PurchaseRepo) RecordDeliveryAttempt(_ context.Context, id uuid.UUID, at time.Time) (int, bool, error) {
	attempts := 0
	applied, err := r.update(nil, id,
		func(p *domain.Purchase) bool {
			return p.Delivery.DeliveredAt == nil && p.Delivery.Attempts < p.Delivery.MaxAttempts
		},
		func(p *domain.Purchase) {
			ts := at
			p.Delivery.Attempts++
			p.Delivery.LastAttemptAt = &ts
			p.UpdatedAt = at
			attempts = p.Delivery.Attempts
		})
	return attempts, applied, err
}

func (r *PurchaseRepo) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.update(nil, id,
		func(p *domain.Purchase) bool { return p.Delivery.DeliveredAt == nil },
		func(p *domain.Purchase) {
			ts := at
			p.Delivery.DeliveredAt = &ts
			p.UpdatedAt = at
		})
	return err
}

func (r *PurchaseRepo) AppendAudit(_ context.Context, tx pgx.Tx, id uuid.UUID, entry domain.AuditEntry) error {
	return r.s.write(tx, func(onRollback func(func())) error {
		p, ok := r.s.purchases[id]
		if !ok {
			return fmt.Errorf("append audit: purchase %s not found", id)
		}
		n := len(p.AuditLog)
		p.AuditLog = append(p.AuditLog, entry)
		onRollback(func() {
			if cur, ok := r.s.purchases[id]; ok {
				cur.AuditLog = cur.AuditLog[:n]
			}
		})
		return nil
	})
}

// --- Meters ---

// MeterRepo implements ports.MeterRepository.
type MeterRepo struct{ s *Store }

// NewMeterRepo creates a meter repository backed by s.
func NewMeterRepo(s *Store) *MeterRepo { return &MeterRepo{s: s} }

func (r *MeterRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Meter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.meters[id]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

func (r *MeterRepo) GetByUnitID(_ context.Context, unitID string) (*domain.Meter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.metersByUnit[unitID]
	if !ok {
		return nil, nil
	}
	c := *r.s.meters[id]
	return &c, nil
}

func (r *MeterRepo) HasPurchaser(_ context.Context, meterID uuid.UUID, userID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.purchases {
		if p.MeterID == meterID && p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MeterRepo) Credit(_ context.Context, tx pgx.Tx, meterID uuid.UUID, units decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.s.write(tx, func(onRollback func(func())) error {
		m, ok := r.s.meters[meterID]
		if !ok {
			return fmt.Errorf("credit meter: meter %s not found", meterID)
		}
		before := *m
		m.Balance = m.Balance.Add(units)
		m.LastUpdatedAt = at
		balance = m.Balance
		onRollback(func() { r.s.meters[meterID] = &before })
		return nil
	})
	return balance, err
}

// --- Tariffs ---

// TariffRepo implements ports.TariffRepository.
type TariffRepo struct{ s *Store }

// NewTariffRepo creates a tariff repository backed by s.
func NewTariffRepo(s *Store) *TariffRepo { return &TariffRepo{s: s} }

func (r *TariffRepo) GetByEstateID(_ context.Context, estateID string) (*domain.Tariff, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tariffs[estateID]
	if !ok {
		return nil, nil
	}
	c := *t
	return &c, nil
}

// --- Idempotency ---

// IdempotencyRepo implements ports.IdempotencyRepository.
type IdempotencyRepo struct{ s *Store }

// NewIdempotencyRepo creates an idempotency repository backed by s.
func NewIdempotencyRepo(s *Store) *IdempotencyRepo { return &IdempotencyRepo{s: s} }

func (r *IdempotencyRepo) Create(_ context.Context, tx pgx.Tx, log *domain.IdempotencyLog) error {
	return r.s.write(tx, func(onRollback func(func())) error {
		if _, exists := r.s.idempotency[log.Key]; exists {
			return fmt.Errorf("idempotency key %q already exists", log.Key)
		}
		c := *log
		r.s.idempotency[log.Key] = &c
		onRollback(func() { delete(r.s.idempotency, log.Key) })
		return nil
	})
}

func (r *IdempotencyRepo) Get(_ context.Context, key string) (*domain.IdempotencyLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.idempotency[key]
	if !ok {
		return nil, nil
	}
	c := *l
	return &c, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
