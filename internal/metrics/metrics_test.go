package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	require.NotNil(t, m)

	assert.NotNil(t, m.PurchasesTotal)
	assert.NotNil(t, m.SettlementsTotal)
	assert.NotNil(t, m.DeliveryAttemptsTotal)
	assert.NotNil(t, m.CircuitBreakerState)

	// Registering twice on the same registry must panic (duplicate collector).
	assert.Panics(t, func() { New(registry) })
}

func TestObservePurchase(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePurchase("created", decimal.RequireFromString("100.50"))
	m.ObservePurchase("rejected", decimal.RequireFromString("1.00"))

	assert.Equal(t, float64(1), promtest.ToFloat64(m.PurchasesTotal.WithLabelValues("created")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.PurchasesTotal.WithLabelValues("rejected")))
	assert.Equal(t, float64(10050), promtest.ToFloat64(m.PurchaseAmountTotal))
}

func TestObserveSettlement(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSettlement("COMPLETED", 2*time.Second)
	m.ObserveSettlement("COMPLETED", time.Second)
	m.ObserveSettlement("FAILED", time.Second)

	assert.Equal(t, float64(2), promtest.ToFloat64(m.SettlementsTotal.WithLabelValues("COMPLETED")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.SettlementsTotal.WithLabelValues("FAILED")))
}

func TestObserveMeterCredit(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveMeterCredit(decimal.RequireFromString("39.08"))
	m.ObserveMeterCredit(decimal.RequireFromString("0.92"))

	assert.InDelta(t, 40.0, promtest.ToFloat64(m.MeterCreditUnitsTotal), 0.0001)
}

func TestObserveDelivery(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDelivery("log", true)
	m.ObserveDelivery("log", false)
	m.ObserveDelivery("log", false)

	assert.Equal(t, float64(1), promtest.ToFloat64(m.DeliveryAttemptsTotal.WithLabelValues("log", "delivered")))
	assert.Equal(t, float64(2), promtest.ToFloat64(m.DeliveryAttemptsTotal.WithLabelValues("log", "failed")))
}

func TestObserveHTTPRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveHTTPRequest("POST", "/api/v1/purchases", 201, 15*time.Millisecond)

	assert.Equal(t, float64(1), promtest.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/purchases", "201")))
}

func TestGaugesAndCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetQueueDepth(7)
	m.SetBreakerState("gateway", 2)
	m.ObserveTokenUse("used")
	m.ObserveRefund("rejected")
	m.ObserveNotification("PURCHASE_COMPLETED", "sent")

	assert.Equal(t, float64(7), promtest.ToFloat64(m.SettlementQueueDepth))
	assert.Equal(t, float64(2), promtest.ToFloat64(m.CircuitBreakerState.WithLabelValues("gateway")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.TokensUsedTotal.WithLabelValues("used")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.RefundsTotal.WithLabelValues("rejected")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.NotificationsTotal.WithLabelValues("PURCHASE_COMPLETED", "sent")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObservePurchase("created", decimal.NewFromInt(10))
		m.ObserveSettlement("COMPLETED", time.Second)
		m.SetQueueDepth(1)
		m.ObserveMeterCredit(decimal.NewFromInt(1))
		m.ObserveTokenUse("used")
		m.ObserveRefund("refunded")
		m.ObserveDelivery("log", true)
		m.ObserveNotification("PURCHASE_FAILED", "sent")
		m.ObserveHTTPRequest("GET", "/health", 200, time.Millisecond)
		m.SetBreakerState("gateway", 0)
	})
}
