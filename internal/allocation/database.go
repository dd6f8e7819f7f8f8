package allocation

import (
	"fmt"
	"time"

	"github.com/ksred/omnibus-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CountAllocations returns how many allocation rows exist for an aggregate.
func (d *Database) CountAllocations(aggregateID string) (int64, error) {
	var count int64
	if err := d.db.Model(&types.AllocationRecord{}).
		Where("aggregate_id = ?", aggregateID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count allocations: %w", err)
	}
	return count, nil
}

// GetAllocationsByAggregateID retrieves the full allocation set for an
// aggregate, in constituent creation order.
func (d *Database) GetAllocationsByAggregateID(aggregateID string) ([]types.AllocationRecord, error) {
	var records []types.AllocationRecord
	if err := d.db.Where("aggregate_id = ?", aggregateID).
		Order("created_at ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch allocations: %w", err)
	}
	return records, nil
}

// GetAllocationByIntentID retrieves the allocation for one intent, if settled.
func (d *Database) GetAllocationByIntentID(intentID string) (*types.AllocationRecord, error) {
	var record types.AllocationRecord
	if err := d.db.Where("intent_id = ?", intentID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// GetUnsettledAggregates retrieves filled or partially filled aggregates
// that have no allocation rows yet.
func (d *Database) GetUnsettledAggregates() ([]types.AggregatedOrder, error) {
	var aggs []types.AggregatedOrder
	if err := d.db.Where(
		"status IN ? AND NOT EXISTS (SELECT 1 FROM allocation_records WHERE allocation_records.aggregate_id = aggregated_orders.aggregate_id)",
		[]string{types.AggregateStatusFilled, types.AggregateStatusPartiallyFilled},
	).Order("created_at ASC").Find(&aggs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch unsettled aggregates: %w", err)
	}
	return aggs, nil
}

// SaveSettlement writes the allocation set, moves each constituent intent
// to its terminal status and stamps the aggregate completed, all in one
// transaction. The allocation rows are written once and never updated.
func (d *Database) SaveSettlement(agg *types.AggregatedOrder, records []types.AllocationRecord, intentStatuses map[string]string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for i := range records {
			if err := tx.Create(&records[i]).Error; err != nil {
				return fmt.Errorf("failed to save allocation record: %w", err)
			}
		}

		for intentID, status := range intentStatuses {
			res := tx.Model(&types.OrderIntent{}).
				Where("intent_id = ?", intentID).
				Updates(map[string]interface{}{
					"status":     status,
					"updated_at": time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("failed to update intent %s: %w", intentID, res.Error)
			}
		}

		now := time.Now()
		agg.CompletedAt = &now
		agg.UpdatedAt = now
		if err := tx.Save(agg).Error; err != nil {
			return fmt.Errorf("failed to update aggregate: %w", err)
		}
		return nil
	})
}
