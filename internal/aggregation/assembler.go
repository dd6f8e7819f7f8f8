package aggregation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrNoEligibleIntents is returned by ForceClose when the named key has no
// queued intents to assemble.
var ErrNoEligibleIntents = errors.New("no eligible intents for key")

// Assembler groups due queued intents into broker-facing aggregates.
type Assembler struct {
	db               *Database
	batchInterval    time.Duration
	minOrderQuantity decimal.Decimal
}

func NewAssembler(gormDB *gorm.DB, batchInterval time.Duration, minOrderQuantity decimal.Decimal) *Assembler {
	return &Assembler{
		db:               NewDatabase(gormDB),
		batchInterval:    batchInterval,
		minOrderQuantity: minOrderQuantity,
	}
}

// GetDB exposes the store for collaborators that read aggregates.
func (a *Assembler) GetDB() *Database {
	return a.db
}

// AssembleDue closes every window whose bucket has elapsed, producing one
// aggregate per key. Groups whose total is under the broker minimum stay
// queued until quantity accrues or an operator forces the window closed.
func (a *Assembler) AssembleDue(now time.Time) ([]types.AggregatedOrder, error) {
	intents, err := a.db.GetQueuedIntents()
	if err != nil {
		return nil, err
	}

	due := make([]types.OrderIntent, 0, len(intents))
	for _, intent := range intents {
		ok, err := BucketDue(intent.WindowBucket, a.batchInterval, now)
		if err != nil {
			log.Error().Err(err).Str("intent_id", intent.IntentID).Msg("skipping intent with malformed window bucket")
			continue
		}
		if ok {
			due = append(due, intent)
		}
	}

	return a.assembleGroups(due, false)
}

// AssembleBatch assembles a caller-provided batch inline, used by the
// synchronous execute-now path. The batch bypasses the window wait and the
// broker-minimum deferral since its sentinel bucket never recurs.
func (a *Assembler) AssembleBatch(intents []types.OrderIntent) ([]types.AggregatedOrder, error) {
	return a.assembleGroups(intents, true)
}

// ForceClose assembles one key's queued intents regardless of the window
// state or the broker minimum. Operator override for below-minimum batches.
func (a *Assembler) ForceClose(key Key) (*types.AggregatedOrder, error) {
	intents, err := a.db.GetQueuedIntentsForKey(key)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, ErrNoEligibleIntents
	}

	aggs, err := a.assembleGroups(intents, true)
	if err != nil {
		return nil, err
	}
	if len(aggs) == 0 {
		return nil, ErrNoEligibleIntents
	}
	return &aggs[0], nil
}

// assembleGroups partitions intents by aggregation key and freezes each
// group into a new BUILDING aggregate. Claiming is all-or-nothing per
// intent; an intent can belong to at most one aggregate ever.
func (a *Assembler) assembleGroups(intents []types.OrderIntent, force bool) ([]types.AggregatedOrder, error) {
	logger := log.With().Str("service", "assembler").Logger()

	groups := make(map[Key][]types.OrderIntent)
	order := make([]Key, 0)
	for _, intent := range intents {
		k := KeyFor(&intent)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], intent)
	}

	var assembled []types.AggregatedOrder
	for _, key := range order {
		members := groups[key]

		total := decimal.Zero
		for _, intent := range members {
			total = total.Add(intent.Quantity)
		}

		if !force && total.LessThan(a.minOrderQuantity) {
			logger.Warn().
				Str("key", key.String()).
				Str("total_quantity", total.String()).
				Str("min_order_quantity", a.minOrderQuantity.String()).
				Msg("group below broker minimum, deferring")
			continue
		}

		agg := &types.AggregatedOrder{
			AggregateID:     "AGG_" + uuid.New().String(),
			Symbol:          key.Symbol,
			Side:            key.Side,
			BrokerAccountID: key.BrokerAccountID,
			WindowBucket:    key.WindowBucket,
			Status:          types.AggregateStatusBuilding,
			CreatedAt:       time.Now(),
			UpdatedAt:       time.Now(),
		}

		claimed, err := a.db.CreateAggregateClaimingIntents(agg, members)
		if err != nil {
			if errors.Is(err, ErrNothingClaimed) {
				logger.Debug().Str("key", key.String()).Msg("lost claim race for group, skipping")
				continue
			}
			// Failure on one key must not block the others
			logger.Error().Err(err).Str("key", key.String()).Msg("failed to assemble group")
			continue
		}

		logger.Info().
			Str("aggregate_id", agg.AggregateID).
			Str("key", key.String()).
			Int("constituents", len(claimed)).
			Str("total_quantity", agg.TotalQuantity.String()).
			Msg("assembled aggregate")

		assembled = append(assembled, *agg)
	}

	return assembled, nil
}
