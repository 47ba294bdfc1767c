package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"electricity-vending/internal/circuitbreaker"
	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/internal/metrics"
	"electricity-vending/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReasonGatewayUnavailable is recorded when every charge attempt errored.
const ReasonGatewayUnavailable = "payment gateway unavailable"

// SettlementConfig configures the settlement worker pool.
type SettlementConfig struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// SettlementWorker resolves pending purchases against the payment gateway.
// It implements ports.SettlementQueue.
type SettlementWorker struct {
	purchases ports.PurchaseService
	gateway   ports.PaymentGateway
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Metrics
	cfg       SettlementConfig
	jobs      chan uuid.UUID
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	log       zerolog.Logger
}

// NewSettlementWorker creates a worker pool. Call Start to begin processing.
func NewSettlementWorker(
	purchases ports.PurchaseService,
	gateway ports.PaymentGateway,
	breakers *circuitbreaker.Manager,
	m *metrics.Metrics,
	cfg SettlementConfig,
	log zerolog.Logger,
) *SettlementWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &SettlementWorker{
		purchases: purchases,
		gateway:   gateway,
		breakers:  breakers,
		metrics:   m,
		cfg:       cfg,
		jobs:      make(chan uuid.UUID, cfg.QueueSize),
		log:       log,
	}
}

// Enqueue schedules a purchase for settlement without blocking.
func (w *SettlementWorker) Enqueue(purchaseID uuid.UUID) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return apperror.ErrQueueFull()
	}
	select {
	case w.jobs <- purchaseID:
		w.metrics.SetQueueDepth(len(w.jobs))
		return nil
	default:
		return apperror.ErrQueueFull()
	}
}

// Start launches the workers. They run until Stop is called.
func (w *SettlementWorker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func(worker int) {
			defer w.wg.Done()
			for id := range w.jobs {
				w.metrics.SetQueueDepth(len(w.jobs))
				w.process(ctx, id)
			}
			w.log.Debug().Int("worker", worker).Msg("settlement worker stopped")
		}(i)
	}
	w.log.Info().Int("workers", w.cfg.Workers).Int("queue_size", w.cfg.QueueSize).Msg("settlement workers started")
}

// Stop refuses new jobs, drains the queue and waits for in-flight settlements.
func (w *SettlementWorker) Stop() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// process charges one purchase and settles it with the gateway's verdict.
func (w *SettlementWorker) process(ctx context.Context, id uuid.UUID) {
	purchase, err := w.purchases.GetPurchase(ctx, id)
	if err != nil {
		w.log.Error().Err(err).Str("purchase_id", id.String()).Msg("settlement: load purchase failed")
		return
	}
	if purchase.Status != domain.PurchaseStatusPending {
		w.log.Debug().Str("purchase_id", id.String()).Str("status", string(purchase.Status)).Msg("settlement: already resolved")
		return
	}

	outcome, err := w.charge(ctx, purchase)
	if err != nil {
		if ctx.Err() != nil {
			w.log.Warn().Str("purchase_id", id.String()).Msg("settlement: interrupted, purchase left pending")
			return
		}
		outcome = domain.PaymentOutcome{
			Status: domain.PurchaseStatusFailed,
			Reason: ReasonGatewayUnavailable,
			Actor:  domain.ActorSystem,
		}
	}

	if _, err := w.purchases.SettlePayment(ctx, id, outcome); err != nil {
		if apperror.Is(err, apperror.CodeAlreadySettled) {
			w.log.Debug().Str("purchase_id", id.String()).Msg("settlement: callback settled first")
			return
		}
		w.log.Error().Err(err).Str("purchase_id", id.String()).Msg("settlement: settle failed")
	}
}

// charge calls the gateway with bounded retries on transport errors.
// Declines are outcomes and are not retried.
func (w *SettlementWorker) charge(ctx context.Context, purchase *domain.Purchase) (domain.PaymentOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		out, err := w.breakers.Execute(circuitbreaker.ServiceGateway, func() (interface{}, error) {
			return w.gateway.Charge(ctx, purchase)
		})
		if err == nil {
			return out.(domain.PaymentOutcome), nil
		}
		lastErr = err

		w.log.Warn().
			Err(err).
			Str("purchase_id", purchase.ID.String()).
			Int("attempt", attempt).
			Msg("settlement: gateway call failed")

		if attempt < w.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return domain.PaymentOutcome{}, ctx.Err()
			case <-time.After(w.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
	return domain.PaymentOutcome{}, fmt.Errorf("charge after %d attempts: %w", w.cfg.MaxAttempts, lastErr)
}
