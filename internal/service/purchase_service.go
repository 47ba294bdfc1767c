package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/internal/metrics"
	"electricity-vending/pkg/apperror"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const idempotencyTTL = 24 * time.Hour

// PurchaseConfig holds the ledger's business limits.
type PurchaseConfig struct {
	MinAmount           decimal.Decimal
	MaxAmount           decimal.Decimal
	MaxDeliveryAttempts int
}

// PurchaseServiceDeps groups the collaborators of the purchase ledger.
// IdempCache, Delivery, Notifier and Metrics may be nil.
type PurchaseServiceDeps struct {
	PurchaseRepo ports.PurchaseRepository
	MeterRepo    ports.MeterRepository
	TariffRepo   ports.TariffRepository
	IdempRepo    ports.IdempotencyRepository
	IdempCache   ports.IdempotencyCache
	MeterSvc     ports.MeterService
	Issuer       ports.TokenIssuer
	Fees         *FeeEngine
	EncSvc       ports.EncryptionService
	Transactor   ports.DBTransactor
	Delivery     ports.DeliveryService
	Notifier     ports.Notifier
	RefNode      *snowflake.Node
	Metrics      *metrics.Metrics
}

// PurchaseServiceImpl implements ports.PurchaseService.
type PurchaseServiceImpl struct {
	purchaseRepo ports.PurchaseRepository
	meterRepo    ports.MeterRepository
	tariffRepo   ports.TariffRepository
	idempRepo    ports.IdempotencyRepository
	idempCache   ports.IdempotencyCache
	meterSvc     ports.MeterService
	issuer       ports.TokenIssuer
	fees         *FeeEngine
	encSvc       ports.EncryptionService
	transactor   ports.DBTransactor
	delivery     ports.DeliveryService
	notifier     ports.Notifier
	queue        ports.SettlementQueue
	refNode      *snowflake.Node
	metrics      *metrics.Metrics
	cfg          PurchaseConfig
	now          func() time.Time
	log          zerolog.Logger
}

// NewPurchaseService creates a new PurchaseServiceImpl.
func NewPurchaseService(deps PurchaseServiceDeps, cfg PurchaseConfig, log zerolog.Logger) *PurchaseServiceImpl {
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 3
	}
	return &PurchaseServiceImpl{
		purchaseRepo: deps.PurchaseRepo,
		meterRepo:    deps.MeterRepo,
		tariffRepo:   deps.TariffRepo,
		idempRepo:    deps.IdempRepo,
		idempCache:   deps.IdempCache,
		meterSvc:     deps.MeterSvc,
		issuer:       deps.Issuer,
		fees:         deps.Fees,
		encSvc:       deps.EncSvc,
		transactor:   deps.Transactor,
		delivery:     deps.Delivery,
		notifier:     deps.Notifier,
		refNode:      deps.RefNode,
		metrics:      deps.Metrics,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
	}
}

// SetSettlementQueue wires the queue that resolves pending purchases.
// The queue itself depends on this service, so it is attached after construction.
func (s *PurchaseServiceImpl) SetSettlementQueue(q ports.SettlementQueue) {
	s.queue = q
}

// CreatePurchase validates the request, quotes units, mints a unique token and
// persists a PENDING purchase.
func (s *PurchaseServiceImpl) CreatePurchase(ctx context.Context, req ports.CreatePurchaseRequest) (*domain.Purchase, error) {
	if err := s.validateCreate(req); err != nil {
		s.metrics.ObservePurchase("rejected", req.Amount)
		return nil, err
	}

	var idempKey string
	if req.IdempotencyKey != "" {
		idempKey = domain.BuildIdempotencyKey(req.UserID, req.IdempotencyKey)
		existing, err := s.lookupIdempotent(ctx, idempKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	meter, err := s.meterRepo.GetByUnitID(ctx, req.UnitID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lookup meter: %w", err))
	}
	if meter == nil || !meter.IsActive() {
		s.metrics.ObservePurchase("rejected", req.Amount)
		return nil, apperror.ErrMeterUnavailable()
	}

	tariff, err := s.tariffRepo.GetByEstateID(ctx, meter.EstateID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lookup tariff: %w", err))
	}
	if tariff == nil || !tariff.RatePerKWh.IsPositive() {
		s.metrics.ObservePurchase("rejected", req.Amount)
		return nil, apperror.ErrInvalidTariff()
	}

	quote := s.fees.Quote(req.Amount, tariff.RatePerKWh)
	if !quote.Units.IsPositive() {
		s.metrics.ObservePurchase("rejected", req.Amount)
		return nil, apperror.ErrAmountTooLow()
	}

	destinationEnc, err := s.encSvc.Encrypt(req.DeliveryDestination)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("encrypt destination: %w", err))
	}

	now := s.now()
	purchase := &domain.Purchase{
		ID:             uuid.New(),
		UserID:         req.UserID,
		UnitID:         req.UnitID,
		MeterID:        meter.ID,
		EstateID:       meter.EstateID,
		Amount:         quote.Amount,
		TariffRate:     quote.TariffRate,
		UnitsReceived:  quote.Units,
		TransactionFee: quote.Fees.TransactionFee,
		ServiceFee:     quote.Fees.ServiceFee,
		VATAmount:      quote.Fees.VATAmount,
		TotalFees:      quote.Fees.TotalFees,
		Status:         domain.PurchaseStatusPending,
		Payment: domain.PaymentRecord{
			Method: req.PaymentMethod,
			Status: domain.PurchaseStatusPending,
		},
		Delivery: domain.DeliveryRecord{
			Method:         req.DeliveryMethod,
			DestinationEnc: destinationEnc,
			MaxAttempts:    s.cfg.MaxDeliveryAttempts,
		},
		IdempotencyKey: idempKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	// The ledger's unique token index is the final arbiter; the issuer
	// regenerates on collision.
	amountCents := req.Amount.Shift(2).IntPart()
	_, err = s.issuer.IssueUnique(ctx, meter.MeterNumber, amountCents, func(tok domain.Token) error {
		purchase.Token = tok
		return s.purchaseRepo.Create(ctx, dbTx, purchase)
	})
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("issue token: %w", err))
	}

	created := domain.NewAuditEntry(domain.AuditActionCreated, req.UserID,
		fmt.Sprintf("amount=%s units=%s", purchase.Amount.StringFixed(2), purchase.UnitsReceived.StringFixed(2)))
	if err := s.purchaseRepo.AppendAudit(ctx, dbTx, purchase.ID, created); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("append audit: %w", err))
	}
	purchase.AuditLog = append(purchase.AuditLog, created)

	var respJSON []byte
	if idempKey != "" {
		respJSON, err = json.Marshal(purchase)
		if err != nil {
			return nil, apperror.InternalError(fmt.Errorf("marshal response: %w", err))
		}
		idempLogEntry := &domain.IdempotencyLog{
			Key:          idempKey,
			PurchaseID:   purchase.ID,
			ResponseJSON: respJSON,
			CreatedAt:    now,
		}
		if err := s.idempRepo.Create(ctx, dbTx, idempLogEntry); err != nil {
			// A concurrent request with the same key won the race.
			_ = dbTx.Rollback(ctx)
			if existing, lerr := s.lookupIdempotent(ctx, idempKey); lerr == nil && existing != nil {
				return existing, nil
			}
			return nil, apperror.InternalError(fmt.Errorf("save idempotency log: %w", err))
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	if idempKey != "" && s.idempCache != nil {
		if err := s.idempCache.Set(ctx, idempKey, respJSON, idempotencyTTL); err != nil {
			s.log.Warn().Err(err).Str("key", idempKey).Msg("failed to cache idempotency in redis")
		}
	}

	s.metrics.ObservePurchase("created", purchase.Amount)
	s.log.Info().
		Str("purchase_id", purchase.ID.String()).
		Str("meter_id", meter.ID.String()).
		Str("amount", purchase.Amount.StringFixed(2)).
		Str("units", purchase.UnitsReceived.StringFixed(2)).
		Msg("purchase created")

	if s.queue != nil {
		if err := s.queue.Enqueue(purchase.ID); err != nil {
			s.log.Warn().Err(err).Str("purchase_id", purchase.ID.String()).Msg("settlement not queued, awaiting callback")
		}
	}

	return purchase, nil
}

// GetPurchase returns a purchase by ID.
func (s *PurchaseServiceImpl) GetPurchase(ctx context.Context, id uuid.UUID) (*domain.Purchase, error) {
	purchase, err := s.purchaseRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get purchase: %w", err))
	}
	if purchase == nil {
		return nil, apperror.ErrNotFound("purchase")
	}
	return purchase, nil
}

// SettlePayment moves a PENDING purchase to its terminal payment state exactly
// once. A successful payment credits the meter in the same transaction.
func (s *PurchaseServiceImpl) SettlePayment(ctx context.Context, id uuid.UUID, outcome domain.PaymentOutcome) (*domain.Purchase, error) {
	if !outcome.Valid() {
		return nil, apperror.Validation("payment outcome must be COMPLETED, FAILED or CANCELLED")
	}
	if outcome.Actor == "" {
		outcome.Actor = domain.ActorGateway
	}
	if outcome.Status != domain.PurchaseStatusCompleted && outcome.Reason == "" {
		outcome.Reason = "payment " + strings.ToLower(string(outcome.Status))
	}

	purchase, err := s.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	now := s.now()
	applied, err := s.purchaseRepo.MarkSettled(ctx, dbTx, id, outcome, now)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("mark settled: %w", err))
	}
	if !applied {
		_ = dbTx.Rollback(ctx)
		s.auditRejected(ctx, id, domain.AuditActionSettleRejected, outcome.Actor,
			fmt.Sprintf("requested %s", outcome.Status))
		return nil, apperror.ErrAlreadySettled()
	}

	details := outcome.Reference
	if outcome.Status == domain.PurchaseStatusCompleted {
		balance, err := s.meterSvc.Credit(ctx, dbTx, purchase.MeterID, purchase.UnitsReceived)
		if err != nil {
			return nil, err
		}
		details = fmt.Sprintf("ref=%s units=%s balance=%s", outcome.Reference,
			purchase.UnitsReceived.StringFixed(2), balance.StringFixed(2))
	} else if outcome.Reason != "" {
		details = outcome.Reason
	}

	entry := domain.NewAuditEntry(domain.SettlementAction(outcome.Status), outcome.Actor, details)
	if err := s.purchaseRepo.AppendAudit(ctx, dbTx, id, entry); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("append audit: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.metrics.ObserveSettlement(string(outcome.Status), now.Sub(purchase.CreatedAt))
	s.log.Info().
		Str("purchase_id", id.String()).
		Str("status", string(outcome.Status)).
		Str("reference", outcome.Reference).
		Msg("payment settled")

	settled, err := s.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, settled)

	if settled.Status == domain.PurchaseStatusCompleted && s.delivery != nil {
		if _, err := s.delivery.AttemptDelivery(ctx, settled); err != nil {
			s.log.Warn().Err(err).Str("purchase_id", id.String()).Msg("initial token delivery failed")
		}
		if refreshed, err := s.purchaseRepo.GetByID(ctx, id); err == nil && refreshed != nil {
			settled = refreshed
		}
	}

	return settled, nil
}

// ProcessRefund records the single refund a COMPLETED or FAILED purchase may
// receive. The meter credit is left in place.
func (s *PurchaseServiceImpl) ProcessRefund(ctx context.Context, req ports.RefundRequest) (*domain.RefundRecord, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, apperror.Validation("refund reason is required")
	}

	purchase, err := s.GetPurchase(ctx, req.PurchaseID)
	if err != nil {
		return nil, err
	}

	if !purchase.IsRefundable() {
		s.rejectRefund(ctx, purchase.ID, req.ActorID, fmt.Sprintf("status=%s", purchase.Status))
		return nil, apperror.ErrRefundNotAllowed()
	}

	refundAmount := purchase.TotalAmount()
	if req.Amount != nil {
		if !req.Amount.IsPositive() || !HasCentPrecision(*req.Amount) {
			s.rejectRefund(ctx, purchase.ID, req.ActorID, fmt.Sprintf("invalid amount=%s", req.Amount.String()))
			return nil, apperror.ErrInvalidAmount()
		}
		if req.Amount.GreaterThan(purchase.TotalAmount()) {
			s.rejectRefund(ctx, purchase.ID, req.ActorID,
				fmt.Sprintf("amount=%s exceeds charged=%s", req.Amount.StringFixed(2), purchase.TotalAmount().StringFixed(2)))
			return nil, apperror.ErrRefundAmountExceedsOriginal()
		}
		refundAmount = *req.Amount
	}

	now := s.now()
	refund := &domain.RefundRecord{
		Amount:      refundAmount,
		Reason:      req.Reason,
		ProcessedBy: req.ActorID,
		ProcessedAt: now,
		Reference:   s.refundReference(),
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	applied, err := s.purchaseRepo.MarkRefunded(ctx, dbTx, purchase.ID, refund)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("mark refunded: %w", err))
	}
	if !applied {
		_ = dbTx.Rollback(ctx)
		s.rejectRefund(ctx, purchase.ID, req.ActorID, "refund already recorded")
		return nil, apperror.ErrRefundNotAllowed()
	}

	entry := domain.NewAuditEntry(domain.AuditActionRefunded, req.ActorID,
		fmt.Sprintf("ref=%s amount=%s reason=%s", refund.Reference, refund.Amount.StringFixed(2), refund.Reason))
	if err := s.purchaseRepo.AppendAudit(ctx, dbTx, purchase.ID, entry); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("append audit: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.metrics.ObserveRefund("refunded")
	s.log.Info().
		Str("purchase_id", purchase.ID.String()).
		Str("refund_ref", refund.Reference).
		Str("refund_amount", refund.Amount.StringFixed(2)).
		Str("actor", req.ActorID).
		Msg("refund processed")

	if refunded, err := s.purchaseRepo.GetByID(ctx, purchase.ID); err == nil && refunded != nil {
		s.notify(ctx, refunded)
	}

	return refund, nil
}

// UseToken redeems the purchase's token once, before expiry.
func (s *PurchaseServiceImpl) UseToken(ctx context.Context, id uuid.UUID, actor string) (*ports.TokenUsage, error) {
	purchase, err := s.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = purchase.UserID
	}

	now := s.now()
	var rejection *apperror.AppError
	switch {
	case purchase.Status != domain.PurchaseStatusCompleted:
		rejection = apperror.ErrInvalidState("token can only be used on a completed purchase")
	case purchase.Token.IsUsed:
		rejection = apperror.ErrTokenAlreadyUsed()
	case purchase.Token.IsExpired(now):
		rejection = apperror.ErrTokenExpired()
	case !s.issuer.ValidateFormat(purchase.Token.Value):
		rejection = apperror.ErrInvalidState("stored token is malformed")
	}
	if rejection != nil {
		s.rejectTokenUse(ctx, id, actor, rejection)
		return nil, rejection
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	applied, err := s.purchaseRepo.MarkTokenUsed(ctx, dbTx, id, now)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("mark token used: %w", err))
	}
	if !applied {
		_ = dbTx.Rollback(ctx)
		rejection = apperror.ErrTokenAlreadyUsed()
		s.rejectTokenUse(ctx, id, actor, rejection)
		return nil, rejection
	}

	entry := domain.NewAuditEntry(domain.AuditActionTokenUsed, actor,
		fmt.Sprintf("units=%s", purchase.UnitsReceived.StringFixed(2)))
	if err := s.purchaseRepo.AppendAudit(ctx, dbTx, id, entry); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("append audit: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.metrics.ObserveTokenUse("used")
	s.log.Info().
		Str("purchase_id", id.String()).
		Str("units", purchase.UnitsReceived.StringFixed(2)).
		Msg("token used")

	return &ports.TokenUsage{
		PurchaseID: id,
		UnitsAdded: purchase.UnitsReceived,
		UsedAt:     now,
	}, nil
}

func (s *PurchaseServiceImpl) validateCreate(req ports.CreatePurchaseRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return apperror.Validation("user id is required")
	}
	if strings.TrimSpace(req.UnitID) == "" {
		return apperror.Validation("unit id is required")
	}
	if !req.PaymentMethod.Valid() {
		return apperror.Validation("unsupported payment method")
	}
	if !req.DeliveryMethod.Valid() {
		return apperror.Validation("unsupported delivery method")
	}
	if strings.TrimSpace(req.DeliveryDestination) == "" {
		return apperror.Validation("delivery destination is required")
	}
	if !req.Amount.IsPositive() || !HasCentPrecision(req.Amount) {
		return apperror.ErrInvalidAmount()
	}
	if req.Amount.LessThan(s.cfg.MinAmount) || (s.cfg.MaxAmount.IsPositive() && req.Amount.GreaterThan(s.cfg.MaxAmount)) {
		return apperror.ErrInvalidAmount()
	}
	return nil
}

// lookupIdempotent checks Redis, then the DB log, and returns the purchase
// created under key, if any.
func (s *PurchaseServiceImpl) lookupIdempotent(ctx context.Context, key string) (*domain.Purchase, error) {
	var cached []byte
	if s.idempCache != nil {
		var err error
		cached, err = s.idempCache.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("redis idempotency check failed, falling through to DB")
		}
	}

	if cached == nil {
		idempLog, err := s.idempRepo.Get(ctx, key)
		if err != nil {
			return nil, apperror.InternalError(fmt.Errorf("db idempotency check: %w", err))
		}
		if idempLog == nil {
			return nil, nil
		}
		cached = idempLog.ResponseJSON
	}

	snapshot, err := s.unmarshalCachedPurchase(cached)
	if err != nil {
		return nil, err
	}

	// Prefer the live record so a replay reflects settlement since creation.
	current, err := s.purchaseRepo.GetByID(ctx, snapshot.ID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get purchase: %w", err))
	}
	if current != nil {
		return current, nil
	}
	return snapshot, nil
}

func (s *PurchaseServiceImpl) unmarshalCachedPurchase(data []byte) (*domain.Purchase, error) {
	purchase := &domain.Purchase{}
	if err := json.Unmarshal(data, purchase); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("unmarshal cached purchase: %w", err))
	}
	return purchase, nil
}

func (s *PurchaseServiceImpl) refundReference() string {
	if s.refNode != nil {
		return "RF-" + s.refNode.Generate().String()
	}
	return "RF-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func (s *PurchaseServiceImpl) notify(ctx context.Context, purchase *domain.Purchase) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyPurchaseOutcome(ctx, purchase); err != nil {
		s.log.Warn().Err(err).Str("purchase_id", purchase.ID.String()).Msg("outcome notification failed")
	}
}

func (s *PurchaseServiceImpl) rejectRefund(ctx context.Context, id uuid.UUID, actor, details string) {
	s.metrics.ObserveRefund("rejected")
	s.auditRejected(ctx, id, domain.AuditActionRefundRejected, actor, details)
}

func (s *PurchaseServiceImpl) rejectTokenUse(ctx context.Context, id uuid.UUID, actor string, reason *apperror.AppError) {
	s.metrics.ObserveTokenUse(reason.Code)
	s.auditRejected(ctx, id, domain.AuditActionTokenUseRejected, actor, reason.Message)
}

// auditRejected records a refused state transition outside any transaction.
func (s *PurchaseServiceImpl) auditRejected(ctx context.Context, id uuid.UUID, action domain.AuditAction, actor, details string) {
	entry := domain.NewAuditEntry(action, actor, details)
	if err := s.purchaseRepo.AppendAudit(ctx, nil, id, entry); err != nil {
		s.log.Error().Err(err).Str("purchase_id", id.String()).Str("action", string(action)).Msg("failed to audit rejected operation")
	}
}
