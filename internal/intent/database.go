package intent

import (
	"errors"
	"time"

	"github.com/ksred/omnibus-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetIntent(intentID string) (*types.OrderIntent, error) {
	var intent types.OrderIntent
	if err := d.db.Where("intent_id = ?", intentID).First(&intent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

func (d *Database) GetIntentByIntentIDAndUserID(intentID, userID string) (*types.OrderIntent, error) {
	var intent types.OrderIntent
	if err := d.db.Where("intent_id = ? AND user_id = ?", intentID, userID).First(&intent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

// CancelIfQueued flips a queued intent to CANCELLED. The compare-and-swap
// on status means an intent that was aggregated in the meantime is left
// untouched; the caller distinguishes the cases from the returned count.
func (d *Database) CancelIfQueued(intentID string) (int64, error) {
	res := d.db.Model(&types.OrderIntent{}).
		Where("intent_id = ? AND status = ?", intentID, types.IntentStatusQueued).
		Updates(map[string]interface{}{
			"status":     types.IntentStatusCancelled,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// GetAllocationByIntentID returns the settled allocation for an intent, or
// nil when the intent has not settled yet.
func (d *Database) GetAllocationByIntentID(intentID string) (*types.AllocationRecord, error) {
	var record types.AllocationRecord
	if err := d.db.Where("intent_id = ?", intentID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &record, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateIntentWithIdempotency creates a new intent and its idempotency
// record in a transaction.
func (d *Database) CreateIntentWithIdempotency(intent *types.OrderIntent, idempotencyKey string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(intent).Error; err != nil {
			return err
		}

		record := IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     intent.IntentID,
			ResourceType:   "intent",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		// An expired record for the same key is refreshed in place rather
		// than tripping the unique index
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"resource_id", "resource_type", "expires_at", "updated_at"}),
		}).Create(&record).Error
	})
}
