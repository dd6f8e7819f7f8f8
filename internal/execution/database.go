package execution

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

// GetAggregate reloads an aggregate by ID. The coordinator always re-reads
// under the key lease before acting, so a stale caller cannot resubmit a
// handled aggregate.
func (d *Database) GetAggregate(aggregateID string) (*types.AggregatedOrder, error) {
	var agg types.AggregatedOrder
	if err := d.db.Where("aggregate_id = ?", aggregateID).First(&agg).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch aggregate: %w", err)
	}
	return &agg, nil
}

// MarkSubmitted moves the aggregate and its constituents to SUBMITTED in
// one transaction, stamping the submission time.
func (d *Database) MarkSubmitted(agg *types.AggregatedOrder) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		agg.Status = types.AggregateStatusSubmitted
		agg.SubmittedAt = &now
		agg.UpdatedAt = now
		if err := tx.Save(agg).Error; err != nil {
			return fmt.Errorf("failed to mark aggregate submitted: %w", err)
		}

		if err := tx.Model(&types.OrderIntent{}).
			Where("aggregate_id = ?", agg.AggregateID).
			Updates(map[string]interface{}{
				"status":     types.IntentStatusSubmitted,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to mark constituents submitted: %w", err)
		}
		return nil
	})
}

// RecordResult persists the broker's answer on the aggregate.
func (d *Database) RecordResult(agg *types.AggregatedOrder) error {
	agg.UpdatedAt = time.Now()
	if err := d.db.Save(agg).Error; err != nil {
		return fmt.Errorf("failed to record execution result: %w", err)
	}
	return nil
}

// MarkFailed moves the aggregate and its constituents to FAILED in one
// transaction. Only this aggregate's intents are touched; a rejection on
// one key never changes state under another key.
func (d *Database) MarkFailed(agg *types.AggregatedOrder) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		agg.Status = types.AggregateStatusFailed
		agg.CompletedAt = &now
		agg.UpdatedAt = now
		if err := tx.Save(agg).Error; err != nil {
			return fmt.Errorf("failed to mark aggregate failed: %w", err)
		}

		if err := tx.Model(&types.OrderIntent{}).
			Where("aggregate_id = ?", agg.AggregateID).
			Updates(map[string]interface{}{
				"status":     types.IntentStatusFailed,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to mark constituents failed: %w", err)
		}
		return nil
	})
}
