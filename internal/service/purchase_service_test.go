package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/internal/core/ports/mocks"
	"electricity-vending/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type purchaseTestDeps struct {
	svc          *PurchaseServiceImpl
	purchaseRepo *mocks.MockPurchaseRepository
	meterRepo    *mocks.MockMeterRepository
	tariffRepo   *mocks.MockTariffRepository
	idempRepo    *mocks.MockIdempotencyRepository
	idempCache   *mocks.MockIdempotencyCache
	meterSvc     *mocks.MockMeterService
	issuer       *mocks.MockTokenIssuer
	encSvc       *mocks.MockEncryptionService
	transactor   *mocks.MockDBTransactor
	delivery     *mocks.MockDeliveryService
	notifier     *mocks.MockNotifier
	queue        *mocks.MockSettlementQueue
	ctrl         *gomock.Controller
}

func setupPurchaseService(t *testing.T) *purchaseTestDeps {
	ctrl := gomock.NewController(t)
	d := &purchaseTestDeps{
		purchaseRepo: mocks.NewMockPurchaseRepository(ctrl),
		meterRepo:    mocks.NewMockMeterRepository(ctrl),
		tariffRepo:   mocks.NewMockTariffRepository(ctrl),
		idempRepo:    mocks.NewMockIdempotencyRepository(ctrl),
		idempCache:   mocks.NewMockIdempotencyCache(ctrl),
		meterSvc:     mocks.NewMockMeterService(ctrl),
		issuer:       mocks.NewMockTokenIssuer(ctrl),
		encSvc:       mocks.NewMockEncryptionService(ctrl),
		transactor:   mocks.NewMockDBTransactor(ctrl),
		delivery:     mocks.NewMockDeliveryService(ctrl),
		notifier:     mocks.NewMockNotifier(ctrl),
		queue:        mocks.NewMockSettlementQueue(ctrl),
		ctrl:         ctrl,
	}
	d.svc = NewPurchaseService(PurchaseServiceDeps{
		PurchaseRepo: d.purchaseRepo,
		MeterRepo:    d.meterRepo,
		TariffRepo:   d.tariffRepo,
		IdempRepo:    d.idempRepo,
		IdempCache:   d.idempCache,
		MeterSvc:     d.meterSvc,
		Issuer:       d.issuer,
		Fees:         defaultFeeEngine(),
		EncSvc:       d.encSvc,
		Transactor:   d.transactor,
		Delivery:     d.delivery,
		Notifier:     d.notifier,
	}, PurchaseConfig{
		MinAmount:           money("5.00"),
		MaxAmount:           money("10000.00"),
		MaxDeliveryAttempts: 3,
	}, zerolog.Nop())
	d.svc.SetSettlementQueue(d.queue)
	return d
}

// mockTx implements pgx.Tx for testing
type mockTx struct{ pgx.Tx }

func (m *mockTx) Rollback(_ context.Context) error { return nil }
func (m *mockTx) Commit(_ context.Context) error   { return nil }

func assertAppError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, expectedCode, appErr.Code)
}

func testMeter() *domain.Meter {
	return &domain.Meter{
		ID:          uuid.New(),
		UnitID:      "UNIT-7",
		EstateID:    "EST-1",
		MeterNumber: "04004444884",
		Status:      domain.MeterStatusActive,
		Balance:     decimal.Zero,
	}
}

func testTariff() *domain.Tariff {
	return &domain.Tariff{EstateID: "EST-1", RatePerKWh: money("2.50")}
}

func validCreateRequest() ports.CreatePurchaseRequest {
	return ports.CreatePurchaseRequest{
		UserID:              "user-1",
		UnitID:              "UNIT-7",
		Amount:              money("100.00"),
		PaymentMethod:       domain.PaymentMethodCard,
		DeliveryMethod:      domain.DeliveryMethodSMS,
		DeliveryDestination: "+27821234567",
		IdempotencyKey:      "order-1",
	}
}

// persistingIssuer makes the mock issuer call persist like the real one does.
func persistingIssuer(value string) func(context.Context, string, int64, func(domain.Token) error) (domain.Token, error) {
	return func(_ context.Context, _ string, _ int64, persist func(domain.Token) error) (domain.Token, error) {
		now := time.Now().UTC()
		tok := domain.Token{
			Value:     value,
			Type:      domain.TokenTypeCredit,
			IssuedAt:  now,
			ExpiresAt: now.Add(30 * 24 * time.Hour),
		}
		return tok, persist(tok)
	}
}

func pendingPurchase() *domain.Purchase {
	now := time.Now().UTC()
	return &domain.Purchase{
		ID:            uuid.New(),
		UserID:        "user-1",
		UnitID:        "UNIT-7",
		MeterID:       uuid.New(),
		Amount:        money("100.00"),
		TariffRate:    money("2.50"),
		UnitsReceived: money("39.08"),
		TotalFees:     money("2.30"),
		Status:        domain.PurchaseStatusPending,
		Token: domain.Token{
			Value:     "12345678901234567890",
			Type:      domain.TokenTypeCredit,
			IssuedAt:  now,
			ExpiresAt: now.Add(30 * 24 * time.Hour),
		},
		Payment:   domain.PaymentRecord{Method: domain.PaymentMethodCard, Status: domain.PurchaseStatusPending},
		Delivery:  domain.DeliveryRecord{Method: domain.DeliveryMethodSMS, DestinationEnc: "enc", MaxAttempts: 3},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ==================== CreatePurchase Tests ====================

func TestPurchaseService_CreatePurchase_Success(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	req := validCreateRequest()
	meter := testMeter()
	idempKey := domain.BuildIdempotencyKey("user-1", "order-1")

	d.idempCache.EXPECT().Get(ctx, idempKey).Return(nil, nil)
	d.idempRepo.EXPECT().Get(ctx, idempKey).Return(nil, nil)
	d.meterRepo.EXPECT().GetByUnitID(ctx, "UNIT-7").Return(meter, nil)
	d.tariffRepo.EXPECT().GetByEstateID(ctx, "EST-1").Return(testTariff(), nil)
	d.encSvc.EXPECT().Encrypt("+27821234567").Return("enc_dest", nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.issuer.EXPECT().IssueUnique(ctx, "04004444884", int64(10000), gomock.Any()).
		DoAndReturn(persistingIssuer("11112222333344445555"))
	d.purchaseRepo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.purchaseRepo.EXPECT().AppendAudit(ctx, tx, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, e domain.AuditEntry) error {
			assert.Equal(t, domain.AuditActionCreated, e.Action)
			assert.Equal(t, "user-1", e.Actor)
			return nil
		})
	d.idempRepo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.idempCache.EXPECT().Set(ctx, idempKey, gomock.Any(), idempotencyTTL).Return(nil)
	d.queue.EXPECT().Enqueue(gomock.Any()).Return(nil)

	p, err := d.svc.CreatePurchase(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, domain.PurchaseStatusPending, p.Status)
	assert.Equal(t, meter.ID, p.MeterID)
	assert.True(t, money("2.00").Equal(p.TransactionFee))
	assert.True(t, money("0.30").Equal(p.VATAmount))
	assert.True(t, money("2.30").Equal(p.TotalFees))
	assert.True(t, money("39.08").Equal(p.UnitsReceived))
	assert.Equal(t, "11112222333344445555", p.Token.Value)
	assert.False(t, p.Token.IsUsed)
	assert.Equal(t, "enc_dest", p.Delivery.DestinationEnc)
	assert.Equal(t, 3, p.Delivery.MaxAttempts)
	require.Len(t, p.AuditLog, 1)
}

func TestPurchaseService_CreatePurchase_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ports.CreatePurchaseRequest)
		code   string
	}{
		{"zero amount", func(r *ports.CreatePurchaseRequest) { r.Amount = decimal.Zero }, apperror.CodeInvalidAmount},
		{"negative amount", func(r *ports.CreatePurchaseRequest) { r.Amount = money("-10.00") }, apperror.CodeInvalidAmount},
		{"sub-cent amount", func(r *ports.CreatePurchaseRequest) { r.Amount = money("10.001") }, apperror.CodeInvalidAmount},
		{"below minimum", func(r *ports.CreatePurchaseRequest) { r.Amount = money("4.99") }, apperror.CodeInvalidAmount},
		{"above maximum", func(r *ports.CreatePurchaseRequest) { r.Amount = money("10000.01") }, apperror.CodeInvalidAmount},
		{"missing unit", func(r *ports.CreatePurchaseRequest) { r.UnitID = " " }, "VAL_001"},
		{"bad payment method", func(r *ports.CreatePurchaseRequest) { r.PaymentMethod = "BITCOIN" }, "VAL_001"},
		{"bad delivery method", func(r *ports.CreatePurchaseRequest) { r.DeliveryMethod = "PIGEON" }, "VAL_001"},
		{"missing destination", func(r *ports.CreatePurchaseRequest) { r.DeliveryDestination = "" }, "VAL_001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupPurchaseService(t)
			defer d.ctrl.Finish()

			req := validCreateRequest()
			tt.mutate(&req)

			p, err := d.svc.CreatePurchase(context.Background(), req)
			assert.Nil(t, p)
			assertAppError(t, err, tt.code)
		})
	}
}

func TestPurchaseService_CreatePurchase_BelowFeeFloor(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()
	d.svc.cfg.MinAmount = decimal.Zero

	ctx := context.Background()
	req := validCreateRequest()
	req.IdempotencyKey = ""
	req.Amount = money("2.00")

	d.meterRepo.EXPECT().GetByUnitID(ctx, "UNIT-7").Return(testMeter(), nil)
	d.tariffRepo.EXPECT().GetByEstateID(ctx, "EST-1").Return(testTariff(), nil)
	// No Begin, no token, no record.

	p, err := d.svc.CreatePurchase(ctx, req)
	assert.Nil(t, p)
	assertAppError(t, err, apperror.CodeInvalidAmount)
}

func TestPurchaseService_CreatePurchase_MeterUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		meter *domain.Meter
	}{
		{"unknown unit", nil},
		{"inactive meter", &domain.Meter{ID: uuid.New(), Status: domain.MeterStatusFaulty}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupPurchaseService(t)
			defer d.ctrl.Finish()

			ctx := context.Background()
			req := validCreateRequest()
			req.IdempotencyKey = ""
			d.meterRepo.EXPECT().GetByUnitID(ctx, "UNIT-7").Return(tt.meter, nil)

			_, err := d.svc.CreatePurchase(ctx, req)
			assertAppError(t, err, apperror.CodeMeterUnavailable)
		})
	}
}

func TestPurchaseService_CreatePurchase_InvalidTariff(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	req := validCreateRequest()
	req.IdempotencyKey = ""
	d.meterRepo.EXPECT().GetByUnitID(ctx, "UNIT-7").Return(testMeter(), nil)
	d.tariffRepo.EXPECT().GetByEstateID(ctx, "EST-1").Return(&domain.Tariff{EstateID: "EST-1", RatePerKWh: decimal.Zero}, nil)

	_, err := d.svc.CreatePurchase(ctx, req)
	assertAppError(t, err, apperror.CodeInvalidTariff)
}

func TestPurchaseService_CreatePurchase_IdempotentRedisHit(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	existing := pendingPurchase()
	cached, err := json.Marshal(existing)
	require.NoError(t, err)

	live := pendingPurchase()
	live.ID = existing.ID
	live.Status = domain.PurchaseStatusCompleted

	idempKey := domain.BuildIdempotencyKey("user-1", "order-1")
	d.idempCache.EXPECT().Get(ctx, idempKey).Return(cached, nil)
	d.purchaseRepo.EXPECT().GetByID(ctx, existing.ID).Return(live, nil)

	p, err := d.svc.CreatePurchase(ctx, validCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, existing.ID, p.ID)
	assert.Equal(t, domain.PurchaseStatusCompleted, p.Status, "replay reflects the live record")
}

func TestPurchaseService_CreatePurchase_IdempotentDBHit(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	existing := pendingPurchase()
	snapshot, err := json.Marshal(existing)
	require.NoError(t, err)

	idempKey := domain.BuildIdempotencyKey("user-1", "order-1")
	d.idempCache.EXPECT().Get(ctx, idempKey).Return(nil, errors.New("redis down"))
	d.idempRepo.EXPECT().Get(ctx, idempKey).Return(&domain.IdempotencyLog{
		Key:          idempKey,
		PurchaseID:   existing.ID,
		ResponseJSON: snapshot,
	}, nil)
	d.purchaseRepo.EXPECT().GetByID(ctx, existing.ID).Return(nil, nil)

	p, err := d.svc.CreatePurchase(ctx, validCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, existing.ID, p.ID)
	assert.Equal(t, existing.Token.Value, p.Token.Value)
}

func TestPurchaseService_CreatePurchase_ConcurrentKeyReturnsWinner(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	winner := pendingPurchase()
	snapshot, err := json.Marshal(winner)
	require.NoError(t, err)
	idempKey := domain.BuildIdempotencyKey("user-1", "order-1")

	gomock.InOrder(
		d.idempCache.EXPECT().Get(ctx, idempKey).Return(nil, nil),
		d.idempRepo.EXPECT().Get(ctx, idempKey).Return(nil, nil),
	)
	d.meterRepo.EXPECT().GetByUnitID(ctx, "UNIT-7").Return(testMeter(), nil)
	d.tariffRepo.EXPECT().GetByEstateID(ctx, "EST-1").Return(testTariff(), nil)
	d.encSvc.EXPECT().Encrypt("+27821234567").Return("enc_dest", nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.issuer.EXPECT().IssueUnique(ctx, "04004444884", int64(10000), gomock.Any()).
		DoAndReturn(persistingIssuer("11112222333344445555"))
	d.purchaseRepo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.purchaseRepo.EXPECT().AppendAudit(ctx, tx, gomock.Any(), gomock.Any()).Return(nil)
	d.idempRepo.EXPECT().Create(ctx, tx, gomock.Any()).Return(errors.New("duplicate key"))

	// The retry lookup finds the winner's record.
	d.idempCache.EXPECT().Get(ctx, idempKey).Return(nil, nil)
	d.idempRepo.EXPECT().Get(ctx, idempKey).Return(&domain.IdempotencyLog{
		Key:          idempKey,
		PurchaseID:   winner.ID,
		ResponseJSON: snapshot,
	}, nil)
	d.purchaseRepo.EXPECT().GetByID(ctx, winner.ID).Return(winner, nil)

	p, err := d.svc.CreatePurchase(ctx, validCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, winner.ID, p.ID)
}

func TestPurchaseService_CreatePurchase_IssueFailureRollsBack(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	req := validCreateRequest()
	req.IdempotencyKey = ""

	d.meterRepo.EXPECT().GetByUnitID(ctx, "UNIT-7").Return(testMeter(), nil)
	d.tariffRepo.EXPECT().GetByEstateID(ctx, "EST-1").Return(testTariff(), nil)
	d.encSvc.EXPECT().Encrypt(gomock.Any()).Return("enc", nil)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.issuer.EXPECT().IssueUnique(ctx, gomock.Any(), gomock.Any(), gomock.Any()).
		Return(domain.Token{}, domain.ErrTokenCollision)

	p, err := d.svc.CreatePurchase(ctx, req)
	assert.Nil(t, p)
	assertAppError(t, err, "SYS_001")
}

func TestPurchaseService_CreatePurchase_QueueFullLeavesPending(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	req := validCreateRequest()
	req.IdempotencyKey = ""

	d.meterRepo.EXPECT().GetByUnitID(ctx, "UNIT-7").Return(testMeter(), nil)
	d.tariffRepo.EXPECT().GetByEstateID(ctx, "EST-1").Return(testTariff(), nil)
	d.encSvc.EXPECT().Encrypt(gomock.Any()).Return("enc", nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.issuer.EXPECT().IssueUnique(ctx, gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(persistingIssuer("99998888777766665555"))
	d.purchaseRepo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.purchaseRepo.EXPECT().AppendAudit(ctx, tx, gomock.Any(), gomock.Any()).Return(nil)
	d.queue.EXPECT().Enqueue(gomock.Any()).Return(apperror.ErrQueueFull())

	p, err := d.svc.CreatePurchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseStatusPending, p.Status)
}

// ==================== SettlePayment Tests ====================

func TestPurchaseService_SettlePayment_Completed(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	p := pendingPurchase()
	outcome := domain.PaymentOutcome{Status: domain.PurchaseStatusCompleted, Reference: "PAY-1"}

	settled := pendingPurchase()
	settled.ID = p.ID
	settled.Status = domain.PurchaseStatusCompleted

	delivered := pendingPurchase()
	delivered.ID = p.ID
	delivered.Status = domain.PurchaseStatusCompleted
	deliveredAt := time.Now()
	delivered.Delivery.Attempts = 1
	delivered.Delivery.DeliveredAt = &deliveredAt

	gomock.InOrder(
		d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil),
		d.transactor.EXPECT().Begin(ctx).Return(tx, nil),
		d.purchaseRepo.EXPECT().MarkSettled(ctx, tx, p.ID, gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, o domain.PaymentOutcome, _ time.Time) (bool, error) {
				assert.Equal(t, domain.ActorGateway, o.Actor)
				return true, nil
			}),
		d.meterSvc.EXPECT().Credit(ctx, tx, p.MeterID, p.UnitsReceived).Return(money("39.08"), nil),
		d.purchaseRepo.EXPECT().AppendAudit(ctx, tx, p.ID, gomock.Any()).Return(nil),
		d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(settled, nil),
		d.notifier.EXPECT().NotifyPurchaseOutcome(ctx, settled).Return(nil),
		d.delivery.EXPECT().AttemptDelivery(ctx, settled).Return(domain.DeliveryStatusDelivered, nil),
		d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(delivered, nil),
	)

	result, err := d.svc.SettlePayment(ctx, p.ID, outcome)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseStatusCompleted, result.Status)
	assert.Equal(t, domain.DeliveryStatusDelivered, result.DeliveryStatus())
}

func TestPurchaseService_SettlePayment_FailedDoesNotCredit(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	p := pendingPurchase()
	failed := pendingPurchase()
	failed.ID = p.ID
	failed.Status = domain.PurchaseStatusFailed

	d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.purchaseRepo.EXPECT().MarkSettled(ctx, tx, p.ID, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, o domain.PaymentOutcome, _ time.Time) (bool, error) {
			assert.Equal(t, "payment failed", o.Reason)
			return true, nil
		})
	d.purchaseRepo.EXPECT().AppendAudit(ctx, tx, p.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, e domain.AuditEntry) error {
			assert.Equal(t, domain.AuditActionPaymentFailed, e.Action)
			return nil
		})
	d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(failed, nil)
	d.notifier.EXPECT().NotifyPurchaseOutcome(ctx, failed).Return(nil)

	result, err := d.svc.SettlePayment(ctx, p.ID, domain.PaymentOutcome{Status: domain.PurchaseStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseStatusFailed, result.Status)
}

func TestPurchaseService_SettlePayment_AlreadySettled(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	p := pendingPurchase()

	d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.purchaseRepo.EXPECT().MarkSettled(ctx, tx, p.ID, gomock.Any(), gomock.Any()).Return(false, nil)
	d.purchaseRepo.EXPECT().AppendAudit(ctx, nil, p.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, e domain.AuditEntry) error {
			assert.Equal(t, domain.AuditActionSettleRejected, e.Action)
			return nil
		})

	result, err := d.svc.SettlePayment(ctx, p.ID, domain.PaymentOutcome{Status: domain.PurchaseStatusCompleted})
	assert.Nil(t, result)
	assertAppError(t, err, apperror.CodeAlreadySettled)
}

func TestPurchaseService_SettlePayment_InvalidOutcome(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	_, err := d.svc.SettlePayment(context.Background(), uuid.New(), domain.PaymentOutcome{Status: domain.PurchaseStatusRefunded})
	assertAppError(t, err, "VAL_001")
}

func TestPurchaseService_SettlePayment_NotFound(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	id := uuid.New()
	d.purchaseRepo.EXPECT().GetByID(gomock.Any(), id).Return(nil, nil)

	_, err := d.svc.SettlePayment(context.Background(), id, domain.PaymentOutcome{Status: domain.PurchaseStatusCompleted})
	assertAppError(t, err, apperror.CodeNotFound)
}

// ==================== ProcessRefund Tests ====================

func TestPurchaseService_ProcessRefund_Full(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	p := pendingPurchase()
	p.Status = domain.PurchaseStatusCompleted

	d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.purchaseRepo.EXPECT().MarkRefunded(ctx, tx, p.ID, gomock.Any()).Return(true, nil)
	d.purchaseRepo.EXPECT().AppendAudit(ctx, tx, p.ID, gomock.Any()).Return(nil)
	d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
	d.notifier.EXPECT().NotifyPurchaseOutcome(ctx, p).Return(nil)

	refund, err := d.svc.ProcessRefund(ctx, ports.RefundRequest{
		PurchaseID: p.ID,
		Reason:     "customer complaint",
		ActorID:    "admin-1",
	})
	require.NoError(t, err)
	assert.True(t, money("100.00").Equal(refund.Amount))
	assert.Equal(t, "customer complaint", refund.Reason)
	assert.Equal(t, "admin-1", refund.ProcessedBy)
	assert.Regexp(t, `^RF-`, refund.Reference)
}

func TestPurchaseService_ProcessRefund_Rejections(t *testing.T) {
	refunded := &domain.RefundRecord{Amount: money("100.00"), Reason: "earlier"}

	tests := []struct {
		name   string
		status domain.PurchaseStatus
		refund *domain.RefundRecord
		amount *decimal.Decimal
		code   string
	}{
		{"pending", domain.PurchaseStatusPending, nil, nil, apperror.CodeRefundNotAllowed},
		{"cancelled", domain.PurchaseStatusCancelled, nil, nil, apperror.CodeRefundNotAllowed},
		{"already refunded", domain.PurchaseStatusRefunded, refunded, nil, apperror.CodeRefundNotAllowed},
		{"exceeds original", domain.PurchaseStatusCompleted, nil, decimalPtr("100.01"), apperror.CodeRefundAmountExceeds},
		{"non-positive", domain.PurchaseStatusCompleted, nil, decimalPtr("0"), apperror.CodeInvalidAmount},
		{"sub-cent", domain.PurchaseStatusCompleted, nil, decimalPtr("10.005"), apperror.CodeInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupPurchaseService(t)
			defer d.ctrl.Finish()

			p := pendingPurchase()
			p.Status = tt.status
			p.Refund = tt.refund

			var rejected domain.AuditEntry
			d.purchaseRepo.EXPECT().GetByID(gomock.Any(), p.ID).Return(p, nil)
			d.purchaseRepo.EXPECT().AppendAudit(gomock.Any(), nil, p.ID, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, e domain.AuditEntry) error {
					rejected = e
					return nil
				})

			_, err := d.svc.ProcessRefund(context.Background(), ports.RefundRequest{
				PurchaseID: p.ID,
				Reason:     "customer complaint",
				Amount:     tt.amount,
				ActorID:    "admin-1",
			})
			assertAppError(t, err, tt.code)
			assert.Equal(t, domain.AuditActionRefundRejected, rejected.Action)
			assert.Equal(t, "admin-1", rejected.Actor)
		})
	}
}

func TestPurchaseService_ProcessRefund_ReasonRequired(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	_, err := d.svc.ProcessRefund(context.Background(), ports.RefundRequest{PurchaseID: uuid.New(), Reason: "  "})
	assertAppError(t, err, "VAL_001")
}

func decimalPtr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

// ==================== UseToken Tests ====================

func TestPurchaseService_UseToken_Success(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	p := pendingPurchase()
	p.Status = domain.PurchaseStatusCompleted

	d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
	d.issuer.EXPECT().ValidateFormat(p.Token.Value).Return(true)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.purchaseRepo.EXPECT().MarkTokenUsed(ctx, tx, p.ID, gomock.Any()).Return(true, nil)
	d.purchaseRepo.EXPECT().AppendAudit(ctx, tx, p.ID, gomock.Any()).Return(nil)

	usage, err := d.svc.UseToken(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, p.ID, usage.PurchaseID)
	assert.True(t, money("39.08").Equal(usage.UnitsAdded))
}

func TestPurchaseService_UseToken_Rejections(t *testing.T) {
	usedAt := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*domain.Purchase)
		code   string
	}{
		{"pending purchase", func(p *domain.Purchase) {}, apperror.CodeInvalidState},
		{"already used", func(p *domain.Purchase) {
			p.Status = domain.PurchaseStatusCompleted
			p.Token.IsUsed = true
			p.Token.UsedAt = &usedAt
		}, apperror.CodeTokenAlreadyUsed},
		{"expired", func(p *domain.Purchase) {
			p.Status = domain.PurchaseStatusCompleted
			p.Token.ExpiresAt = time.Now().Add(-time.Minute)
		}, apperror.CodeTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupPurchaseService(t)
			defer d.ctrl.Finish()

			p := pendingPurchase()
			tt.mutate(p)

			d.purchaseRepo.EXPECT().GetByID(gomock.Any(), p.ID).Return(p, nil)
			d.purchaseRepo.EXPECT().AppendAudit(gomock.Any(), nil, p.ID, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, e domain.AuditEntry) error {
					assert.Equal(t, domain.AuditActionTokenUseRejected, e.Action)
					return nil
				})

			_, err := d.svc.UseToken(context.Background(), p.ID, "user-1")
			assertAppError(t, err, tt.code)
		})
	}
}

func TestPurchaseService_UseToken_MalformedToken(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	p := pendingPurchase()
	p.Status = domain.PurchaseStatusCompleted
	p.Token.Value = "1234"

	d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
	d.issuer.EXPECT().ValidateFormat("1234").Return(false)
	d.purchaseRepo.EXPECT().AppendAudit(ctx, nil, p.ID, gomock.Any()).Return(nil)

	_, err := d.svc.UseToken(ctx, p.ID, "user-1")
	assertAppError(t, err, apperror.CodeInvalidState)
}

func TestPurchaseService_UseToken_LostRace(t *testing.T) {
	d := setupPurchaseService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	tx := &mockTx{}
	p := pendingPurchase()
	p.Status = domain.PurchaseStatusCompleted

	d.purchaseRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
	d.issuer.EXPECT().ValidateFormat(p.Token.Value).Return(true)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.purchaseRepo.EXPECT().MarkTokenUsed(ctx, tx, p.ID, gomock.Any()).Return(false, nil)
	d.purchaseRepo.EXPECT().AppendAudit(ctx, nil, p.ID, gomock.Any()).Return(nil)

	_, err := d.svc.UseToken(ctx, p.ID, "user-1")
	assertAppError(t, err, apperror.CodeTokenAlreadyUsed)
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
