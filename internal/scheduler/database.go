package scheduler

import (
	"fmt"

	"github.com/ksred/omnibus-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateIntents persists a synchronous batch in one transaction, so the
// execute-now path never observes a half-written batch.
func (d *Database) CreateIntents(intents []types.OrderIntent) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for i := range intents {
			if err := tx.Create(&intents[i]).Error; err != nil {
				return fmt.Errorf("failed to persist batch intent: %w", err)
			}
		}
		return nil
	})
}

// GetIntent reloads one intent, used to report terminal statuses for a
// synchronous batch.
func (d *Database) GetIntent(intentID string) (*types.OrderIntent, error) {
	var intent types.OrderIntent
	if err := d.db.Where("intent_id = ?", intentID).First(&intent).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch intent: %w", err)
	}
	return &intent, nil
}
