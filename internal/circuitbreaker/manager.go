package circuitbreaker

import (
	"errors"
	"time"

	"electricity-vending/config"
	"electricity-vending/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ServiceType identifies an outbound collaborator with its own breaker.
type ServiceType string

const (
	ServiceGateway      ServiceType = "payment_gateway"
	ServiceDelivery     ServiceType = "token_delivery"
	ServiceNotification ServiceType = "notification"
)

// Manager keeps one circuit breaker per outbound service so that a failing
// delivery channel never trips the payment gateway breaker.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled      bool
	Gateway      BreakerConfig
	Delivery     BreakerConfig
	Notification BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts; 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, m *metrics.Metrics, log zerolog.Logger) *Manager {
	convert := func(b config.BreakerConfig) BreakerConfig {
		return BreakerConfig{
			MaxRequests:         b.MaxRequests,
			Interval:            b.Interval,
			Timeout:             b.Timeout,
			ConsecutiveFailures: b.ConsecutiveFailures,
			FailureRatio:        b.FailureRatio,
			MinRequests:         b.MinRequests,
		}
	}
	return NewManager(Config{
		Enabled:      cfg.Enabled,
		Gateway:      convert(cfg.Gateway),
		Delivery:     convert(cfg.Delivery),
		Notification: convert(cfg.Notification),
	}, m, log)
}

// NewManager creates a circuit breaker manager. A disabled config yields a
// pass-through manager.
func NewManager(cfg Config, m *metrics.Metrics, log zerolog.Logger) *Manager {
	mgr := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		return mgr
	}

	mgr.breakers[ServiceGateway] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceGateway), cfg.Gateway, m, log))
	mgr.breakers[ServiceDelivery] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceDelivery), cfg.Delivery, m, log))
	mgr.breakers[ServiceNotification] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceNotification), cfg.Notification, m, log))

	return mgr
}

// Execute wraps fn with the breaker for service. Unknown services and a
// disabled manager call fn directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// Run is Execute for calls that only return an error.
func (m *Manager) Run(service ServiceType, fn func() error) error {
	_, err := m.Execute(service, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state name, "disabled" or "not_configured".
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.config.Enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if m == nil || !m.config.Enabled {
		return Counts{}
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// IsOpen reports whether err was produced by an open or saturated breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func toGobreakerSettings(name string, cfg BreakerConfig, m *metrics.Metrics, log zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate >= cfg.FailureRatio {
					return true
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.SetBreakerState(name, stateValue(to))
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// DefaultConfig returns the breaker defaults used when no config is loaded.
func DefaultConfig() Config {
	def := BreakerConfig{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return Config{
		Enabled:      true,
		Gateway:      def,
		Delivery:     def,
		Notification: def,
	}
}
