package aggregation

import (
	"errors"
	"fmt"

	"github.com/ksred/omnibus-api/internal/types"
	"gorm.io/gorm"
)

// ErrNothingClaimed is returned when a concurrent assembler claimed every
// candidate intent first; the caller simply has nothing to do.
var ErrNothingClaimed = errors.New("no intents claimed for aggregate")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetQueuedIntents retrieves every intent still eligible for assembly.
func (d *Database) GetQueuedIntents() ([]types.OrderIntent, error) {
	var intents []types.OrderIntent
	if err := d.db.Where("status = ?", types.IntentStatusQueued).
		Order("created_at ASC").
		Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch queued intents: %w", err)
	}
	return intents, nil
}

// GetQueuedIntentsForKey retrieves the queued intents for one aggregation key.
func (d *Database) GetQueuedIntentsForKey(key Key) ([]types.OrderIntent, error) {
	var intents []types.OrderIntent
	if err := d.db.Where(
		"status = ? AND symbol = ? AND side = ? AND broker_account_id = ? AND window_bucket = ?",
		types.IntentStatusQueued, key.Symbol, key.Side, key.BrokerAccountID, key.WindowBucket,
	).Order("created_at ASC").Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch queued intents for key: %w", err)
	}
	return intents, nil
}

// CreateAggregateClaimingIntents atomically claims a set of queued intents
// for a new aggregate. Each claim is a compare-and-swap on the intent's
// status, so two assemblers racing on the same window can never claim
// overlapping intents. Returns the intents actually claimed; the aggregate
// total is recomputed from those before the row is written.
func (d *Database) CreateAggregateClaimingIntents(agg *types.AggregatedOrder, candidates []types.OrderIntent) ([]types.OrderIntent, error) {
	var claimed []types.OrderIntent

	err := d.db.Transaction(func(tx *gorm.DB) error {
		for i := range candidates {
			res := tx.Model(&types.OrderIntent{}).
				Where("intent_id = ? AND status = ? AND (aggregate_id IS NULL OR aggregate_id = '')",
					candidates[i].IntentID, types.IntentStatusQueued).
				Updates(map[string]interface{}{
					"status":       types.IntentStatusAggregated,
					"aggregate_id": agg.AggregateID,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to claim intent %s: %w", candidates[i].IntentID, res.Error)
			}
			if res.RowsAffected == 1 {
				claimed = append(claimed, candidates[i])
			}
		}

		if len(claimed) == 0 {
			return ErrNothingClaimed
		}

		total := claimed[0].Quantity
		for _, intent := range claimed[1:] {
			total = total.Add(intent.Quantity)
		}
		agg.TotalQuantity = total

		if err := tx.Create(agg).Error; err != nil {
			return fmt.Errorf("failed to create aggregate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// GetAggregate retrieves an aggregate by its ID.
func (d *Database) GetAggregate(aggregateID string) (*types.AggregatedOrder, error) {
	var agg types.AggregatedOrder
	if err := d.db.Where("aggregate_id = ?", aggregateID).First(&agg).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch aggregate: %w", err)
	}
	return &agg, nil
}

// GetExecutableAggregates retrieves aggregates still owed a broker result:
// freshly assembled ones, plus ones left SUBMITTED by a crash before the
// result was recorded. Resubmitting the latter is safe because the broker
// token is deterministic per aggregate.
func (d *Database) GetExecutableAggregates() ([]types.AggregatedOrder, error) {
	var aggs []types.AggregatedOrder
	if err := d.db.Where("status IN ?",
		[]string{types.AggregateStatusBuilding, types.AggregateStatusSubmitted}).
		Order("created_at ASC").
		Find(&aggs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch executable aggregates: %w", err)
	}
	return aggs, nil
}

// GetConstituents retrieves the intents frozen into an aggregate, oldest
// first. Creation order matters downstream: allocation breaks rounding
// ties in FIFO order.
func (d *Database) GetConstituents(aggregateID string) ([]types.OrderIntent, error) {
	var intents []types.OrderIntent
	if err := d.db.Where("aggregate_id = ?", aggregateID).
		Order("created_at ASC, id ASC").
		Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch constituents: %w", err)
	}
	return intents, nil
}
