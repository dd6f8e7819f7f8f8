package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/omnibus-api/internal/aggregation"
	"github.com/ksred/omnibus-api/internal/broker"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	maxSubmitAttempts = 3
	initialRetryDelay = 200 * time.Millisecond
	submitTimeout     = 10 * time.Second
)

// Coordinator submits aggregates to the broker, enforcing at most one
// in-flight submission per aggregation key and converting broker outcomes
// into aggregate state.
type Coordinator struct {
	db     *Database
	broker broker.Client
	locks  *LockManager
}

func NewCoordinator(gormDB *gorm.DB, brokerClient broker.Client, locks *LockManager) *Coordinator {
	return &Coordinator{
		db:     NewDatabase(gormDB),
		broker: brokerClient,
		locks:  locks,
	}
}

// IdempotencyToken derives the broker token for an aggregate. Deterministic
// so that a crash-and-retry replays the original submission rather than
// creating a duplicate order.
func IdempotencyToken(aggregateID string) string {
	return "agg:" + aggregateID
}

// Execute submits one aggregate to the broker and records the result.
// Losing the key lease returns ErrAlreadyInFlight without submitting.
// Transient broker failures retry with doubling backoff; a hard rejection
// or exhausted retries leaves the aggregate and its constituents FAILED.
func (c *Coordinator) Execute(ctx context.Context, aggregateID string) (*types.AggregatedOrder, error) {
	logger := log.With().
		Str("aggregate_id", aggregateID).
		Str("service", "execution").
		Logger()

	agg, err := c.db.GetAggregate(aggregateID)
	if err != nil {
		return nil, err
	}

	lockKey := aggregation.Key{
		Symbol:          agg.Symbol,
		Side:            agg.Side,
		BrokerAccountID: agg.BrokerAccountID,
		WindowBucket:    agg.WindowBucket,
	}.String()

	if err := c.locks.Acquire(lockKey); err != nil {
		if errors.Is(err, ErrAlreadyInFlight) {
			logger.Debug().Str("lock_key", lockKey).Msg("aggregate already being handled elsewhere")
		}
		return nil, err
	}
	defer c.locks.Release(lockKey)

	// Re-read under the lease: a previous holder may already have finished
	agg, err = c.db.GetAggregate(aggregateID)
	if err != nil {
		return nil, err
	}
	switch agg.Status {
	case types.AggregateStatusBuilding:
		if err := c.db.MarkSubmitted(agg); err != nil {
			return nil, err
		}
	case types.AggregateStatusSubmitted:
		// Crash recovery: resubmitting with the same token replays the
		// original broker result
		logger.Warn().Msg("resuming submitted aggregate without recorded result")
	default:
		logger.Debug().Str("status", agg.Status).Msg("aggregate already terminal, nothing to execute")
		return agg, nil
	}

	result, err := c.submitWithRetry(ctx, agg, logger)
	if err != nil {
		if failErr := c.db.MarkFailed(agg); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to record aggregate failure")
		}
		logger.Error().Err(err).Msg("aggregate execution failed")
		return agg, err
	}

	agg.BrokerOrderID = result.BrokerOrderID
	agg.FilledQuantity = result.FilledQuantity
	agg.AveragePrice = result.AveragePrice
	if result.FilledQuantity.Equal(agg.TotalQuantity) {
		agg.Status = types.AggregateStatusFilled
	} else {
		agg.Status = types.AggregateStatusPartiallyFilled
	}

	if err := c.db.RecordResult(agg); err != nil {
		return nil, err
	}

	logger.Info().
		Str("broker_order_id", agg.BrokerOrderID).
		Str("status", agg.Status).
		Str("filled_quantity", agg.FilledQuantity.String()).
		Str("average_price", agg.AveragePrice.String()).
		Msg("aggregate executed")

	return agg, nil
}

// submitWithRetry drives the broker call with bounded exponential backoff.
// Hard rejections fail immediately; exhausting retries on transient errors
// converts to a hard failure.
func (c *Coordinator) submitWithRetry(ctx context.Context, agg *types.AggregatedOrder, logger zerolog.Logger) (*broker.SubmitResult, error) {
	req := broker.SubmitRequest{
		Symbol:           agg.Symbol,
		Side:             agg.Side,
		Quantity:         agg.TotalQuantity,
		BrokerAccountID:  agg.BrokerAccountID,
		IdempotencyToken: IdempotencyToken(agg.AggregateID),
	}

	delay := initialRetryDelay
	var lastErr error
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
		result, err := c.broker.Submit(submitCtx, req)
		cancel()
		if err == nil {
			return result, nil
		}
		if errors.Is(err, broker.ErrRejected) {
			return nil, err
		}

		lastErr = err
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient broker failure")

		if attempt < maxSubmitAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, ctx.Err())
			}
			delay *= 2
		}
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}
