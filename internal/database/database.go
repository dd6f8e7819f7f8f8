package database

import (
	"fmt"

	"github.com/ksred/omnibus-api/internal/database/migrations"
	"github.com/ksred/omnibus-api/internal/dividend"
	"github.com/ksred/omnibus-api/internal/execution"
	"github.com/ksred/omnibus-api/internal/intent"
	"github.com/ksred/omnibus-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// concurrent scheduler workers from tripping over lock errors
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&types.OrderIntent{},
		&types.AggregatedOrder{},
		&types.AllocationRecord{},
		&intent.IdempotencyRecord{},
		&execution.KeyLease{},
		&dividend.Distribution{},
		&dividend.CashAllocation{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddAggregationIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
