package migrations

import (
	"gorm.io/gorm"
)

// AddAggregationIndexes creates the composite indexes the assembler and
// scheduler lean on for their hot queries.
func AddAggregationIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index covering the assembler's key grouping
		`CREATE INDEX IF NOT EXISTS idx_order_intents_key
		 ON order_intents(symbol, side, broker_account_id, window_bucket)`,

		// Index for status + window scans when closing due windows
		`CREATE INDEX IF NOT EXISTS idx_order_intents_status_window
		 ON order_intents(status, window_bucket)`,

		// Index for constituent lookups during settlement
		`CREATE INDEX IF NOT EXISTS idx_order_intents_aggregate
		 ON order_intents(aggregate_id, created_at)`,

		// Index for the scheduler's ready-aggregate scan
		`CREATE INDEX IF NOT EXISTS idx_aggregated_orders_status_created
		 ON aggregated_orders(status, created_at)`,

		// Index for allocation audit reads per aggregate
		`CREATE INDEX IF NOT EXISTS idx_allocation_records_aggregate
		 ON allocation_records(aggregate_id, created_at)`,

		// Index for dividend audit reads per distribution
		`CREATE INDEX IF NOT EXISTS idx_cash_allocations_distribution
		 ON cash_allocations(distribution_id)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
