package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Simulated is a mock broker for development and the simulation binary.
// It models latency, liquidity shortfalls and transient outages, and it
// honours idempotency tokens by replaying the original result.
type Simulated struct {
	MinLatency      int // in milliseconds
	MaxLatency      int
	LiquidityFactor float64 // 0-1, probability a submission fills completely
	SuccessRate     float64 // 0-1, probability a submission is not rejected
	OutageRate      float64 // 0-1, probability of a transient outage

	mu   sync.Mutex
	seen map[string]*SubmitResult // idempotency token -> original result
}

// NewSimulated returns a simulated broker with a generous fill profile.
func NewSimulated() *Simulated {
	return &Simulated{
		MinLatency:      5,
		MaxLatency:      50,
		LiquidityFactor: 0.85,
		SuccessRate:     0.97,
		OutageRate:      0.02,
		seen:            make(map[string]*SubmitResult),
	}
}

// Reference prices per symbol; unknown symbols trade around 100.
var referencePrices = map[string]float64{
	"AAPL":  190.00,
	"GOOGL": 178.00,
	"MSFT":  420.00,
	"AMZN":  185.00,
	"META":  510.00,
}

// Submit executes a consolidated order against the simulated venue.
func (b *Simulated) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	logger := log.With().
		Str("service", "simulated_broker").
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("idempotency_token", req.IdempotencyToken).
		Logger()

	// Replay a previously seen submission rather than executing twice
	b.mu.Lock()
	if prior, ok := b.seen[req.IdempotencyToken]; ok {
		b.mu.Unlock()
		logger.Info().Str("broker_order_id", prior.BrokerOrderID).Msg("replaying prior submission for idempotency token")
		return prior, nil
	}
	b.mu.Unlock()

	latency := rand.Intn(b.MaxLatency-b.MinLatency+1) + b.MinLatency
	select {
	case <-time.After(time.Duration(latency) * time.Millisecond):
	case <-ctx.Done():
		logger.Warn().Msg("submission timed out")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}

	if rand.Float64() < b.OutageRate {
		logger.Warn().Msg("simulated transient outage")
		return nil, ErrUnavailable
	}

	if rand.Float64() > b.SuccessRate {
		logger.Warn().Float64("success_rate", b.SuccessRate).Msg("submission rejected")
		return nil, ErrRejected
	}

	// Price around the reference with +/-2% variance
	base, ok := referencePrices[req.Symbol]
	if !ok {
		base = 100.00
	}
	price := decimal.NewFromFloat(base * (1 + (rand.Float64()*0.04 - 0.02))).Round(4)

	filled := req.Quantity
	status := StatusFilled
	if rand.Float64() > b.LiquidityFactor {
		// Liquidity shortfall: fill a whole-unit fraction of the request
		filled = req.Quantity.Mul(decimal.NewFromFloat(0.5 + rand.Float64()*0.4)).Floor()
		if filled.IsZero() {
			logger.Warn().Msg("insufficient liquidity")
			return nil, ErrRejected
		}
		status = StatusPartiallyFilled
	}

	result := &SubmitResult{
		BrokerOrderID:  fmt.Sprintf("BRK-%d", rand.Int63()),
		Status:         status,
		FilledQuantity: filled,
		AveragePrice:   price,
	}

	b.mu.Lock()
	b.seen[req.IdempotencyToken] = result
	b.mu.Unlock()

	logger.Info().
		Str("broker_order_id", result.BrokerOrderID).
		Str("status", result.Status).
		Str("filled_quantity", result.FilledQuantity.String()).
		Str("average_price", result.AveragePrice.String()).
		Msg("submission executed")

	return result, nil
}
