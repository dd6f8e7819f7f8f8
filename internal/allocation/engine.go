package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrAlreadySettled indicates a replayed settlement of an aggregate that
// already has allocation rows. Under correct use this never happens; it is
// logged loudly because it points at a potential double-booking bug.
var ErrAlreadySettled = errors.New("aggregate already settled")

// Result pairs an allocation with the unfilled remainder of its intent.
// The shortfall is surfaced to the caller as a re-queue candidate; the
// engine itself never re-queues.
type Result struct {
	Record    types.AllocationRecord `json:"allocation"`
	Shortfall decimal.Decimal        `json:"shortfall"`
}

// Engine distributes an aggregate's fill back to its constituent intents.
type Engine struct {
	db *Database
}

func NewEngine(gormDB *gorm.DB) *Engine {
	return &Engine{db: NewDatabase(gormDB)}
}

// GetDB exposes the store for collaborators that read allocations.
func (e *Engine) GetDB() *Database {
	return e.db
}

// Allocate settles a filled or partially filled aggregate: each
// constituent receives a proportional share of the filled quantity,
// rounded with the largest remainder method in FIFO tie-break order, all
// at the aggregate's average fill price. Output is written once; calling
// Allocate again for the same aggregate fails with ErrAlreadySettled.
func (e *Engine) Allocate(agg *types.AggregatedOrder, constituents []types.OrderIntent) ([]Result, error) {
	logger := log.With().
		Str("aggregate_id", agg.AggregateID).
		Str("service", "allocation").
		Logger()

	if agg.Status != types.AggregateStatusFilled && agg.Status != types.AggregateStatusPartiallyFilled {
		return nil, fmt.Errorf("aggregate %s is not settleable in status %s", agg.AggregateID, agg.Status)
	}
	if len(constituents) == 0 {
		return nil, fmt.Errorf("aggregate %s has no constituents", agg.AggregateID)
	}

	existing, err := e.db.CountAllocations(agg.AggregateID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		logger.Error().
			Int64("existing_allocations", existing).
			Msg("settlement replay detected, refusing to double-book")
		return nil, ErrAlreadySettled
	}

	weights := make([]decimal.Decimal, len(constituents))
	increment := decimal.NewFromInt(1)
	for i, intent := range constituents {
		weights[i] = intent.Quantity
		if i == 0 && intent.LotSize.Sign() > 0 {
			increment = intent.LotSize
		}
	}

	quantities := Apportion(agg.FilledQuantity, weights, increment)

	results := make([]Result, len(constituents))
	records := make([]types.AllocationRecord, len(constituents))
	intentStatuses := make(map[string]string, len(constituents))
	checksum := decimal.Zero
	for i, intent := range constituents {
		qty := quantities[i]
		checksum = checksum.Add(qty)

		// Deviation from the exact pro-rata entitlement, for the audit trail
		raw := agg.FilledQuantity.Mul(intent.Quantity).Div(agg.TotalQuantity)
		adjustment := qty.Sub(raw).Round(12)

		records[i] = types.AllocationRecord{
			AllocationID:       "ALC_" + uuid.New().String(),
			AggregateID:        agg.AggregateID,
			IntentID:           intent.IntentID,
			Quantity:           qty,
			Price:              agg.AveragePrice,
			Value:              qty.Mul(agg.AveragePrice),
			RoundingAdjustment: adjustment,
			CreatedAt:          time.Now(),
		}

		status := types.IntentStatusFilled
		shortfall := intent.Quantity.Sub(qty)
		if shortfall.Sign() > 0 {
			status = types.IntentStatusPartiallyFilled
		}
		intentStatuses[intent.IntentID] = status
		results[i] = Result{Record: records[i], Shortfall: shortfall}
	}

	// Conservation invariant: allocations must account for the fill exactly
	if !checksum.Equal(agg.FilledQuantity) {
		return nil, fmt.Errorf("allocation checksum %s does not match filled quantity %s for aggregate %s",
			checksum, agg.FilledQuantity, agg.AggregateID)
	}

	if err := e.db.SaveSettlement(agg, records, intentStatuses); err != nil {
		return nil, err
	}

	logger.Info().
		Int("allocations", len(records)).
		Str("filled_quantity", agg.FilledQuantity.String()).
		Str("average_price", agg.AveragePrice.String()).
		Msg("aggregate settled")

	return results, nil
}

// SettleUnsettled settles every filled aggregate lacking allocation rows.
// Used by the scheduler tick; failures on one aggregate never block the
// rest.
func (e *Engine) SettleUnsettled(constituentsFor func(aggregateID string) ([]types.OrderIntent, error)) error {
	aggs, err := e.db.GetUnsettledAggregates()
	if err != nil {
		return err
	}

	for i := range aggs {
		constituents, err := constituentsFor(aggs[i].AggregateID)
		if err != nil {
			log.Error().Err(err).Str("aggregate_id", aggs[i].AggregateID).Msg("failed to load constituents for settlement")
			continue
		}
		if _, err := e.Allocate(&aggs[i], constituents); err != nil && !errors.Is(err, ErrAlreadySettled) {
			log.Error().Err(err).Str("aggregate_id", aggs[i].AggregateID).Msg("failed to settle aggregate")
		}
	}
	return nil
}
