package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
)

var declineReasons = []string{
	"insufficient funds",
	"card declined by issuer",
	"payment authorization timed out",
}

// SimulatedConfig configures the simulated gateway.
type SimulatedConfig struct {
	SuccessRate float64
	Latency     time.Duration
}

// Simulated stands in for a real payment provider. It approves a
// configurable share of charges and declines the rest.
type Simulated struct {
	cfg  SimulatedConfig
	node *snowflake.Node
	mu   sync.Mutex
	rng  *rand.Rand
	log  zerolog.Logger
}

// NewSimulated creates a simulated gateway. rng may be nil for a time-seeded source.
func NewSimulated(cfg SimulatedConfig, node *snowflake.Node, rng *rand.Rand, log zerolog.Logger) *Simulated {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulated{
		cfg:  cfg,
		node: node,
		rng:  rng,
		log:  log,
	}
}

// Charge resolves the purchase after the configured latency. The only error
// is context cancellation; declines are returned as FAILED outcomes.
func (g *Simulated) Charge(ctx context.Context, purchase *domain.Purchase) (domain.PaymentOutcome, error) {
	if g.cfg.Latency > 0 {
		timer := time.NewTimer(g.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.PaymentOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	g.mu.Lock()
	roll := g.rng.Float64()
	reason := declineReasons[g.rng.Intn(len(declineReasons))]
	g.mu.Unlock()

	reference := "PAY-" + g.node.Generate().String()
	if roll < g.cfg.SuccessRate {
		g.log.Debug().Str("purchase_id", purchase.ID.String()).Str("reference", reference).Msg("simulated charge approved")
		return domain.PaymentOutcome{
			Status:    domain.PurchaseStatusCompleted,
			Reference: reference,
			Actor:     domain.ActorGateway,
		}, nil
	}

	g.log.Debug().Str("purchase_id", purchase.ID.String()).Str("reason", reason).Msg("simulated charge declined")
	return domain.PaymentOutcome{
		Status:    domain.PurchaseStatusFailed,
		Reference: reference,
		Reason:    reason,
		Actor:     domain.ActorGateway,
	}, nil
}
