package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingPurchase(token string) *domain.Purchase {
	now := time.Now().UTC()
	return &domain.Purchase{
		ID:            uuid.New(),
		UserID:        "user-1",
		UnitID:        DemoUnitID,
		MeterID:       DemoMeterID,
		EstateID:      DemoEstateID,
		Amount:        decimal.RequireFromString("100.00"),
		UnitsReceived: decimal.RequireFromString("39.08"),
		Status:        domain.PurchaseStatusPending,
		Token: domain.Token{
			Value:     token,
			Type:      domain.TokenTypeCredit,
			IssuedAt:  now,
			ExpiresAt: now.Add(30 * 24 * time.Hour),
		},
		Payment:   domain.PaymentRecord{Method: domain.PaymentMethodCard, Status: domain.PurchaseStatusPending},
		Delivery:  domain.DeliveryRecord{Method: domain.DeliveryMethodSMS, MaxAttempts: 3},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := NewStore()
	repo := NewPurchaseRepo(s)
	ctx := context.Background()
	p := newPendingPurchase("11112222333344445555")

	require.NoError(t, repo.Create(ctx, nil, p))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Token.Value, got.Token.Value)

	// Returned values are copies.
	got.Status = domain.PurchaseStatusCompleted
	again, _ := repo.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PurchaseStatusPending, again.Status)
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore()
	got, err := NewPurchaseRepo(s).GetByID(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_TokenUniqueness(t *testing.T) {
	s := NewStore()
	repo := NewPurchaseRepo(s)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newPendingPurchase("11112222333344445555")))
	err := repo.Create(ctx, nil, newPendingPurchase("11112222333344445555"))
	assert.ErrorIs(t, err, domain.ErrTokenCollision)
}

func TestStore_RollbackUndoesWrites(t *testing.T) {
	s := NewStore()
	SeedDemo(s)
	purchases := NewPurchaseRepo(s)
	meters := NewMeterRepo(s)
	ctx := context.Background()

	p := newPendingPurchase("11112222333344445555")
	require.NoError(t, purchases.Create(ctx, nil, p))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	ok, err := purchases.MarkSettled(ctx, tx, p.ID, domain.PaymentOutcome{Status: domain.PurchaseStatusCompleted, Reference: "PAY-1"}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	balance, err := meters.Credit(ctx, tx, DemoMeterID, p.UnitsReceived, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "39.08", balance.StringFixed(2))
	require.NoError(t, purchases.AppendAudit(ctx, tx, p.ID, domain.NewAuditEntry(domain.AuditActionPaymentCompleted, "gw", "")))

	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Rollback(ctx), pgx.ErrTxClosed)

	got, _ := purchases.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PurchaseStatusPending, got.Status)
	assert.Nil(t, got.Payment.SettledAt)
	assert.Empty(t, got.AuditLog)

	m, _ := meters.GetByID(ctx, DemoMeterID)
	assert.True(t, m.Balance.IsZero())
}

func TestStore_CommitKeepsWrites(t *testing.T) {
	s := NewStore()
	SeedDemo(s)
	purchases := NewPurchaseRepo(s)
	ctx := context.Background()

	p := newPendingPurchase("11112222333344445555")
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, purchases.Create(ctx, tx, p))
	require.NoError(t, purchases.AppendAudit(ctx, tx, p.ID, domain.NewAuditEntry(domain.AuditActionCreated, "user-1", "")))
	require.NoError(t, tx.Commit(ctx))

	// Rollback after commit is a no-op for callers using defer.
	assert.ErrorIs(t, tx.Rollback(ctx), pgx.ErrTxClosed)

	got, _ := purchases.GetByID(ctx, p.ID)
	require.NotNil(t, got)
	assert.Len(t, got.AuditLog, 1)
}

func TestStore_MarkSettledOnlyFromPending(t *testing.T) {
	s := NewStore()
	repo := NewPurchaseRepo(s)
	ctx := context.Background()
	p := newPendingPurchase("11112222333344445555")
	require.NoError(t, repo.Create(ctx, nil, p))

	first := time.Now().UTC()
	ok, err := repo.MarkSettled(ctx, nil, p.ID, domain.PaymentOutcome{Status: domain.PurchaseStatusFailed, Reason: "declined"}, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkSettled(ctx, nil, p.ID, domain.PaymentOutcome{Status: domain.PurchaseStatusCompleted}, first.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := repo.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PurchaseStatusFailed, got.Status)
	assert.Equal(t, "declined", got.Payment.FailureReason)
	assert.True(t, got.Payment.SettledAt.Equal(first))
}

func TestStore_MarkRefundedOnce(t *testing.T) {
	s := NewStore()
	repo := NewPurchaseRepo(s)
	ctx := context.Background()
	p := newPendingPurchase("11112222333344445555")
	require.NoError(t, repo.Create(ctx, nil, p))

	refund := &domain.RefundRecord{Amount: p.Amount, Reason: "customer complaint", ProcessedBy: "admin", ProcessedAt: time.Now(), Reference: "RF-1"}

	ok, err := repo.MarkRefunded(ctx, nil, p.ID, refund)
	require.NoError(t, err)
	assert.False(t, ok, "pending purchase is not refundable")

	_, _ = repo.MarkSettled(ctx, nil, p.ID, domain.PaymentOutcome{Status: domain.PurchaseStatusCompleted}, time.Now())
	ok, err = repo.MarkRefunded(ctx, nil, p.ID, refund)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkRefunded(ctx, nil, p.ID, refund)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := repo.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PurchaseStatusRefunded, got.Status)
	assert.Equal(t, domain.PurchaseStatusRefunded, got.Payment.Status)
	require.NotNil(t, got.Refund)
	assert.Equal(t, "RF-1", got.Refund.Reference)
}

func TestStore_MarkTokenUsedGuards(t *testing.T) {
	s := NewStore()
	repo := NewPurchaseRepo(s)
	ctx := context.Background()
	p := newPendingPurchase("11112222333344445555")
	require.NoError(t, repo.Create(ctx, nil, p))
	_, _ = repo.MarkSettled(ctx, nil, p.ID, domain.PaymentOutcome{Status: domain.PurchaseStatusCompleted}, time.Now())

	ok, err := repo.MarkTokenUsed(ctx, nil, p.ID, p.Token.ExpiresAt)
	require.NoError(t, err)
	assert.False(t, ok, "expired at the boundary")

	ok, err = repo.MarkTokenUsed(ctx, nil, p.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkTokenUsed(ctx, nil, p.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeliveryAttemptsBounded(t *testing.T) {
	s := NewStore()
	repo := NewPurchaseRepo(s)
	ctx := context.Background()
	p := newPendingPurchase("11112222333344445555")
	require.NoError(t, repo.Create(ctx, nil, p))

	for i := 1; i <= 3; i++ {
		n, ok, err := repo.RecordDeliveryAttempt(ctx, p.ID, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}

	n, ok, err := repo.RecordDeliveryAttempt(ctx, p.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, n)

	got, _ := repo.GetByID(ctx, p.ID)
	assert.Equal(t, 3, got.Delivery.Attempts)
	assert.Equal(t, domain.DeliveryStatusFailed, got.DeliveryStatus())
}

func TestStore_DeliveredStopsAttempts(t *testing.T) {
	s := NewStore()
	repo := NewPurchaseRepo(s)
	ctx := context.Background()
	p := newPendingPurchase("11112222333344445555")
	require.NoError(t, repo.Create(ctx, nil, p))

	_, _, _ = repo.RecordDeliveryAttempt(ctx, p.ID, time.Now())
	require.NoError(t, repo.MarkDelivered(ctx, p.ID, time.Now()))

	_, ok, err := repo.RecordDeliveryAttempt(ctx, p.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ConcurrentCreditsNoLostUpdates(t *testing.T) {
	s := NewStore()
	SeedDemo(s)
	meters := NewMeterRepo(s)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			defer tx.Rollback(ctx) //nolint:errcheck
			if _, err := meters.Credit(ctx, tx, DemoMeterID, decimal.RequireFromString("1.25"), time.Now()); err != nil {
				t.Error(err)
				return
			}
			_ = tx.Commit(ctx)
		}()
	}
	wg.Wait()

	m, err := meters.GetByID(ctx, DemoMeterID)
	require.NoError(t, err)
	assert.Equal(t, "125.00", m.Balance.StringFixed(2))
}

func TestStore_CreditUnknownMeter(t *testing.T) {
	s := NewStore()
	_, err := NewMeterRepo(s).Credit(context.Background(), nil, uuid.New(), decimal.NewFromInt(1), time.Now())
	assert.Error(t, err)
}

func TestStore_MeterAndTariffLookups(t *testing.T) {
	s := NewStore()
	SeedDemo(s)
	ctx := context.Background()

	m, err := NewMeterRepo(s).GetByUnitID(ctx, DemoUnitID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, DemoMeterID, m.ID)

	missing, err := NewMeterRepo(s).GetByUnitID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	tariff, err := NewTariffRepo(s).GetByEstateID(ctx, DemoEstateID)
	require.NoError(t, err)
	require.NotNil(t, tariff)
	assert.Equal(t, "2.50", tariff.RatePerKWh.StringFixed(2))
}

func TestStore_Idempotency(t *testing.T) {
	s := NewStore()
	repo := NewIdempotencyRepo(s)
	ctx := context.Background()
	log := &domain.IdempotencyLog{Key: "user-1:abc", PurchaseID: uuid.New(), ResponseJSON: []byte(`{}`), CreatedAt: time.Now()}

	require.NoError(t, repo.Create(ctx, nil, log))
	assert.Error(t, repo.Create(ctx, nil, log))

	got, err := repo.Get(ctx, "user-1:abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, log.PurchaseID, got.PurchaseID)

	none, err := repo.Get(ctx, "user-1:zzz")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_BeginCancelledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Begin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_BeginStopsWaitingWhenCancelled(t *testing.T) {
	s := NewStore()
	held, err := s.Begin(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Rollback(context.Background()))
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))
}

func TestStore_HasPurchaser(t *testing.T) {
	s := NewStore()
	SeedDemo(s)
	ctx := context.Background()
	require.NoError(t, NewPurchaseRepo(s).Create(ctx, nil, newPendingPurchase("11112222333344445555")))

	meters := NewMeterRepo(s)
	owns, err := meters.HasPurchaser(ctx, DemoMeterID, "user-1")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = meters.HasPurchaser(ctx, DemoMeterID, "user-2")
	require.NoError(t, err)
	assert.False(t, owns)
}

func TestStore_Health(t *testing.T) {
	s := NewStore()
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "memory", s.Name())
}
