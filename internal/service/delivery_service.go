package service

import (
	"context"
	"fmt"
	"time"

	"electricity-vending/internal/circuitbreaker"
	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/internal/metrics"
	"electricity-vending/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeliveryConfig configures token delivery.
type DeliveryConfig struct {
	GroupSize int
	Timeout   time.Duration
	LockTTL   time.Duration
}

// DeliveryServiceImpl implements ports.DeliveryService.
type DeliveryServiceImpl struct {
	purchaseRepo ports.PurchaseRepository
	channel      ports.DeliveryChannel
	encSvc       ports.EncryptionService
	locker       ports.Locker
	breakers     *circuitbreaker.Manager
	metrics      *metrics.Metrics
	cfg          DeliveryConfig
	now          func() time.Time
	log          zerolog.Logger
}

// NewDeliveryService creates a new DeliveryServiceImpl. locker, breakers and m may be nil.
func NewDeliveryService(
	purchaseRepo ports.PurchaseRepository,
	channel ports.DeliveryChannel,
	encSvc ports.EncryptionService,
	locker ports.Locker,
	breakers *circuitbreaker.Manager,
	m *metrics.Metrics,
	cfg DeliveryConfig,
	log zerolog.Logger,
) *DeliveryServiceImpl {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = defaultTokenGroupSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &DeliveryServiceImpl{
		purchaseRepo: purchaseRepo,
		channel:      channel,
		encSvc:       encSvc,
		locker:       locker,
		breakers:     breakers,
		metrics:      m,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
	}
}

// AttemptDelivery claims one attempt, sends the token and records the result.
// A failed send is a recorded outcome, not an error.
func (s *DeliveryServiceImpl) AttemptDelivery(ctx context.Context, purchase *domain.Purchase) (domain.DeliveryStatus, error) {
	if purchase.Delivery.DeliveredAt != nil {
		return domain.DeliveryStatusDelivered, nil
	}

	now := s.now()
	attempt, claimed, err := s.purchaseRepo.RecordDeliveryAttempt(ctx, purchase.ID, now)
	if err != nil {
		return "", apperror.InternalError(fmt.Errorf("record delivery attempt: %w", err))
	}
	if !claimed {
		current, err := s.purchaseRepo.GetByID(ctx, purchase.ID)
		if err != nil {
			return "", apperror.InternalError(fmt.Errorf("get purchase: %w", err))
		}
		if current != nil && current.Delivery.DeliveredAt != nil {
			return domain.DeliveryStatusDelivered, nil
		}
		s.audit(ctx, purchase.ID, domain.AuditActionDeliveryRejected, "maximum attempts reached")
		return domain.DeliveryStatusFailed, apperror.ErrMaxAttemptsExceeded()
	}

	status := domain.DeliveryStatusRetrying
	if attempt >= purchase.Delivery.MaxAttempts {
		status = domain.DeliveryStatusFailed
	}

	destination, err := s.encSvc.Decrypt(purchase.Delivery.DestinationEnc)
	if err != nil {
		s.audit(ctx, purchase.ID, domain.AuditActionDeliveryAttempted, fmt.Sprintf("attempt=%d result=failed reason=destination unreadable", attempt))
		return status, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt destination: %w", err))
	}

	msg := domain.DeliveryMessage{
		PurchaseID:    purchase.ID.String(),
		Method:        purchase.Delivery.Method,
		Destination:   destination,
		Token:         purchase.FormattedToken(s.cfg.GroupSize),
		Units:         purchase.UnitsReceived.StringFixed(2),
		MeterID:       purchase.MeterID.String(),
		ExpiresAt:     purchase.Token.ExpiresAt,
		AttemptNumber: attempt,
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	sendErr := s.breakers.Run(circuitbreaker.ServiceDelivery, func() error {
		return s.channel.Send(sendCtx, msg)
	})

	s.metrics.ObserveDelivery(s.channel.Name(), sendErr == nil)

	if sendErr != nil {
		s.audit(ctx, purchase.ID, domain.AuditActionDeliveryAttempted,
			fmt.Sprintf("attempt=%d channel=%s result=failed reason=%s", attempt, s.channel.Name(), sendErr.Error()))
		s.log.Warn().
			Err(sendErr).
			Str("purchase_id", purchase.ID.String()).
			Int("attempt", attempt).
			Str("status", string(status)).
			Msg("token delivery failed")
		return status, nil
	}

	if err := s.purchaseRepo.MarkDelivered(ctx, purchase.ID, s.now()); err != nil {
		return "", apperror.InternalError(fmt.Errorf("mark delivered: %w", err))
	}
	s.audit(ctx, purchase.ID, domain.AuditActionDeliveryAttempted,
		fmt.Sprintf("attempt=%d channel=%s result=delivered", attempt, s.channel.Name()))
	s.log.Info().
		Str("purchase_id", purchase.ID.String()).
		Int("attempt", attempt).
		Msg("token delivered")

	return domain.DeliveryStatusDelivered, nil
}

// RetryDelivery makes one more delivery attempt for a completed purchase.
// Retries of purchases that are not COMPLETED fail with MaxAttemptsExceeded.
// Concurrent retries of the same purchase are serialized by a short lock.
func (s *DeliveryServiceImpl) RetryDelivery(ctx context.Context, purchaseID uuid.UUID) (domain.DeliveryStatus, error) {
	purchase, err := s.purchaseRepo.GetByID(ctx, purchaseID)
	if err != nil {
		return "", apperror.InternalError(fmt.Errorf("get purchase: %w", err))
	}
	if purchase == nil {
		return "", apperror.ErrNotFound("purchase")
	}
	if purchase.Status != domain.PurchaseStatusCompleted {
		s.audit(ctx, purchaseID, domain.AuditActionDeliveryRejected, fmt.Sprintf("status=%s", purchase.Status))
		return purchase.DeliveryStatus(), apperror.ErrMaxAttemptsExceeded()
	}
	if purchase.Delivery.DeliveredAt != nil {
		return domain.DeliveryStatusDelivered, nil
	}
	if purchase.Delivery.Exhausted() {
		s.audit(ctx, purchaseID, domain.AuditActionDeliveryRejected, "maximum attempts reached")
		return domain.DeliveryStatusFailed, apperror.ErrMaxAttemptsExceeded()
	}

	if s.locker != nil {
		release, acquired, err := s.locker.Acquire(ctx, "delivery:"+purchaseID.String(), s.cfg.LockTTL)
		switch {
		case err != nil:
			// The attempt counter is still bounded by the conditional update.
			s.log.Warn().Err(err).Str("purchase_id", purchaseID.String()).Msg("delivery lock unavailable, continuing unlocked")
		case !acquired:
			s.audit(ctx, purchaseID, domain.AuditActionDeliveryRejected, "delivery already in progress")
			return purchase.DeliveryStatus(), apperror.ErrDeliveryInProgress()
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.log.Warn().Err(err).Str("purchase_id", purchaseID.String()).Msg("failed to release delivery lock")
				}
			}()
		}
	}

	return s.AttemptDelivery(ctx, purchase)
}

func (s *DeliveryServiceImpl) audit(ctx context.Context, id uuid.UUID, action domain.AuditAction, details string) {
	entry := domain.NewAuditEntry(action, domain.ActorSystem, details)
	if err := s.purchaseRepo.AppendAudit(ctx, nil, id, entry); err != nil {
		s.log.Error().Err(err).Str("purchase_id", id.String()).Msg("failed to audit delivery")
	}
}
