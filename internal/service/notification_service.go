package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"electricity-vending/internal/circuitbreaker"
	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"
	"electricity-vending/internal/metrics"

	"github.com/rs/zerolog"
)

// notificationRetryIntervals are the waits between delivery attempts.
var notificationRetryIntervals = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

// Notification event types
const (
	EventPurchaseCompleted = "PURCHASE_COMPLETED"
	EventPurchaseFailed    = "PURCHASE_FAILED"
	EventPurchaseCancelled = "PURCHASE_CANCELLED"
	EventPurchaseRefunded  = "PURCHASE_REFUNDED"
)

// NotificationPayload is the JSON body POSTed to the notification URL.
type NotificationPayload struct {
	EventType string                  `json:"event_type"`
	Data      NotificationPayloadData `json:"data"`
}

// NotificationPayloadData describes the purchase outcome.
type NotificationPayloadData struct {
	PurchaseID      string `json:"purchase_id"`
	UserID          string `json:"user_id"`
	UnitID          string `json:"unit_id"`
	MeterID         string `json:"meter_id"`
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	Units           string `json:"units"`
	TotalFees       string `json:"total_fees"`
	Reference       string `json:"reference,omitempty"`
	Reason          string `json:"reason,omitempty"`
	RefundReference string `json:"refund_reference,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NotificationConfig configures outcome notifications.
type NotificationConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// NotificationServiceImpl implements ports.Notifier with a signed webhook.
type NotificationServiceImpl struct {
	cfg            NotificationConfig
	sigSvc         ports.SignatureService
	httpClient     HTTPClient
	breakers       *circuitbreaker.Manager
	metrics        *metrics.Metrics
	retryIntervals []time.Duration
	wg             sync.WaitGroup
	log            zerolog.Logger
}

// NewNotificationService creates a new notification service.
func NewNotificationService(
	cfg NotificationConfig,
	sigSvc ports.SignatureService,
	httpClient HTTPClient,
	breakers *circuitbreaker.Manager,
	m *metrics.Metrics,
	log zerolog.Logger,
) *NotificationServiceImpl {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &NotificationServiceImpl{
		cfg:            cfg,
		sigSvc:         sigSvc,
		httpClient:     httpClient,
		breakers:       breakers,
		metrics:        m,
		retryIntervals: notificationRetryIntervals,
		log:            log,
	}
}

// NotifyPurchaseOutcome sends the purchase outcome in the background. It never
// blocks on the remote endpoint.
func (s *NotificationServiceImpl) NotifyPurchaseOutcome(_ context.Context, purchase *domain.Purchase) error {
	if s.cfg.URL == "" {
		s.log.Debug().Str("purchase_id", purchase.ID.String()).Msg("notification: no URL configured, skipping")
		return nil
	}

	eventType, ok := eventForStatus(purchase.Status)
	if !ok {
		return fmt.Errorf("notification: no event for status %s", purchase.Status)
	}

	data := NotificationPayloadData{
		PurchaseID: purchase.ID.String(),
		UserID:     purchase.UserID,
		UnitID:     purchase.UnitID,
		MeterID:    purchase.MeterID.String(),
		Status:     string(purchase.Status),
		Amount:     purchase.Amount.StringFixed(2),
		Units:      purchase.UnitsReceived.StringFixed(2),
		TotalFees:  purchase.TotalFees.StringFixed(2),
		Reference:  purchase.Payment.Reference,
		Reason:     purchase.Payment.FailureReason,
		Timestamp:  time.Now().Unix(),
	}
	if purchase.Refund != nil {
		data.RefundReference = purchase.Refund.Reference
		data.Reason = purchase.Refund.Reason
	}

	body, err := json.Marshal(NotificationPayload{EventType: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("notification: marshal payload: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliverWithRetries(eventType, body, purchase.ID.String())
	}()

	return nil
}

// Wait blocks until in-flight notifications finish.
func (s *NotificationServiceImpl) Wait() {
	s.wg.Wait()
}

// deliverWithRetries POSTs the payload until a 2xx response or the retry
// schedule is exhausted.
func (s *NotificationServiceImpl) deliverWithRetries(eventType string, body []byte, purchaseID string) {
	now := time.Now().Unix()
	ts := strconv.FormatInt(now, 10)
	signature := s.sigSvc.SignEnvelope(s.cfg.Secret, now, body)

	for attempt := 0; attempt <= len(s.retryIntervals); attempt++ {
		if attempt > 0 {
			time.Sleep(s.retryIntervals[attempt-1])
		}

		err := s.breakers.Run(circuitbreaker.ServiceNotification, func() error {
			return s.post(body, ts, signature)
		})
		if err == nil {
			s.metrics.ObserveNotification(eventType, "sent")
			s.log.Info().Str("purchase_id", purchaseID).Str("event", eventType).Int("attempt", attempt+1).Msg("notification: delivered")
			return
		}

		s.log.Warn().Err(err).Str("purchase_id", purchaseID).Int("attempt", attempt+1).Msg("notification: delivery failed")
	}

	s.metrics.ObserveNotification(eventType, "exhausted")
	s.log.Error().Str("purchase_id", purchaseID).Str("event", eventType).Msg("notification: all retry attempts exhausted")
}

func (s *NotificationServiceImpl) post(body []byte, ts, signature string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

func eventForStatus(status domain.PurchaseStatus) (string, bool) {
	switch status {
	case domain.PurchaseStatusCompleted:
		return EventPurchaseCompleted, true
	case domain.PurchaseStatusFailed:
		return EventPurchaseFailed, true
	case domain.PurchaseStatusCancelled:
		return EventPurchaseCancelled, true
	case domain.PurchaseStatusRefunded:
		return EventPurchaseRefunded, true
	}
	return "", false
}
