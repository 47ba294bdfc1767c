package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for the vending service.
// All Observe* methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Purchase metrics
	PurchasesTotal        *prometheus.CounterVec
	PurchaseAmountTotal   prometheus.Counter
	SettlementsTotal      *prometheus.CounterVec
	SettlementDuration    *prometheus.HistogramVec
	SettlementQueueDepth  prometheus.Gauge
	MeterCreditUnitsTotal prometheus.Counter

	// Token & refund metrics
	TokensUsedTotal *prometheus.CounterVec
	RefundsTotal    *prometheus.CounterVec

	// Delivery & notification metrics
	DeliveryAttemptsTotal *prometheus.CounterVec
	NotificationsTotal    *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PurchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vending_purchases_total",
				Help: "Total number of purchase requests by result",
			},
			[]string{"result"},
		),
		PurchaseAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vending_purchase_amount_cents_total",
				Help: "Total amount of created purchases in minor units",
			},
		),
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vending_settlements_total",
				Help: "Total number of payment settlements by outcome",
			},
			[]string{"status"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vending_settlement_duration_seconds",
				Help:    "Time from purchase creation to payment settlement",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),
		SettlementQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vending_settlement_queue_depth",
				Help: "Number of purchases waiting for a settlement worker",
			},
		),
		MeterCreditUnitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vending_meter_credit_kwh_total",
				Help: "Total energy units credited to meters",
			},
		),
		TokensUsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vending_tokens_used_total",
				Help: "Total number of token redemptions by result",
			},
			[]string{"result"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vending_refunds_total",
				Help: "Total number of refund requests by result",
			},
			[]string{"result"},
		),
		DeliveryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vending_delivery_attempts_total",
				Help: "Total number of token delivery attempts",
			},
			[]string{"channel", "result"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vending_notifications_total",
				Help: "Total number of outcome notifications sent",
			},
			[]string{"event", "status"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vending_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vending_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vending_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
	}
}

// ObservePurchase records a purchase creation attempt.
func (m *Metrics) ObservePurchase(result string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(result).Inc()
	if result == "created" {
		m.PurchaseAmountTotal.Add(float64(amount.Shift(2).IntPart()))
	}
}

// ObserveSettlement records a settled purchase and its time since creation.
func (m *Metrics) ObserveSettlement(status string, sinceCreated time.Duration) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(status).Inc()
	m.SettlementDuration.WithLabelValues(status).Observe(sinceCreated.Seconds())
}

// SetQueueDepth records the settlement backlog.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.SettlementQueueDepth.Set(float64(depth))
}

// ObserveMeterCredit records units added to a meter.
func (m *Metrics) ObserveMeterCredit(units decimal.Decimal) {
	if m == nil {
		return
	}
	m.MeterCreditUnitsTotal.Add(units.InexactFloat64())
}

// ObserveTokenUse records a token redemption attempt.
func (m *Metrics) ObserveTokenUse(result string) {
	if m == nil {
		return
	}
	m.TokensUsedTotal.WithLabelValues(result).Inc()
}

// ObserveRefund records a refund attempt.
func (m *Metrics) ObserveRefund(result string) {
	if m == nil {
		return
	}
	m.RefundsTotal.WithLabelValues(result).Inc()
}

// ObserveDelivery records a delivery attempt on a channel.
func (m *Metrics) ObserveDelivery(channel string, success bool) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "delivered"
	}
	m.DeliveryAttemptsTotal.WithLabelValues(channel, result).Inc()
}

// ObserveNotification records an outcome notification.
func (m *Metrics) ObserveNotification(event, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(event, status).Inc()
}

// ObserveHTTPRequest records a served request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetBreakerState records a circuit breaker state transition.
func (m *Metrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}
