package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errUnsupported = errors.New("memory store: SQL is not supported")

const beginPollInterval = time.Millisecond

// Store is an in-process implementation of every repository port. A single
// mutex serializes writers; Begin holds it until Commit or Rollback, which
// gives transactions serializable semantics.
type Store struct {
	mu sync.Mutex

	purchases    map[uuid.UUID]*domain.Purchase
	tokens       map[string]uuid.UUID
	meters       map[uuid.UUID]*domain.Meter
	metersByUnit map[string]uuid.UUID
	tariffs      map[string]*domain.Tariff
	idempotency  map[string]*domain.IdempotencyLog
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		purchases:    make(map[uuid.UUID]*domain.Purchase),
		tokens:       make(map[string]uuid.UUID),
		meters:       make(map[uuid.UUID]*domain.Meter),
		metersByUnit: make(map[string]uuid.UUID),
		tariffs:      make(map[string]*domain.Tariff),
		idempotency:  make(map[string]*domain.IdempotencyLog),
	}
}

// Begin starts a transaction. It waits until no other transaction is open,
// polling the store mutex so that a cancelled ctx stops the wait.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	ticker := time.NewTicker(beginPollInterval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.mu.TryLock() {
			return &memTx{store: s}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ping implements ports.HealthChecker.
func (s *Store) Ping(_ context.Context) error { return nil }

// Name implements ports.HealthChecker.
func (s *Store) Name() string { return "memory" }

// PutMeter inserts or replaces a meter.
func (s *Store) PutMeter(m domain.Meter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meters[m.ID] = &m
	s.metersByUnit[m.UnitID] = m.ID
}

// PutTariff inserts or replaces the tariff of an estate.
func (s *Store) PutTariff(t domain.Tariff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tariffs[t.EstateID] = &t
}

// write runs fn under the store lock. Inside a transaction of this store the
// lock is already held and fn's undo steps are recorded for Rollback.
func (s *Store) write(tx pgx.Tx, fn func(onRollback func(func())) error) error {
	if mt, ok := tx.(*memTx); ok && mt.store == s {
		if mt.done {
			return pgx.ErrTxClosed
		}
		return fn(func(undo func()) { mt.undo = append(mt.undo, undo) })
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(func(func()) {})
}

// memTx satisfies pgx.Tx so the services can use the same transactor port
// for both drivers. Only Commit and Rollback are meaningful.
type memTx struct {
	store *Store
	undo  []func()
	done  bool
}

func (t *memTx) Begin(_ context.Context) (pgx.Tx, error) {
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return t, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errUnsupported
}
func (t *memTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *memTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errUnsupported
}
func (t *memTx) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), errUnsupported
}
func (t *memTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errUnsupported
}
func (t *memTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return nil }
func (t *memTx) Conn() *pgx.Conn                                        { return nil }

func clonePurchase(p *domain.Purchase) *domain.Purchase {
	c := *p
	c.Token.UsedAt = cloneTime(p.Token.UsedAt)
	c.Payment.SettledAt = cloneTime(p.Payment.SettledAt)
	c.Delivery.LastAttemptAt = cloneTime(p.Delivery.LastAttemptAt)
	c.Delivery.DeliveredAt = cloneTime(p.Delivery.DeliveredAt)
	if p.Refund != nil {
		r := *p.Refund
		c.Refund = &r
	}
	if p.AuditLog != nil {
		c.AuditLog = append([]domain.AuditEntry(nil), p.AuditLog...)
	}
	return &c
}
