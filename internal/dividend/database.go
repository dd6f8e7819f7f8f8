package dividend

import (
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveDistribution writes the distribution and its allocations in one
// transaction.
func (d *Database) SaveDistribution(distribution *Distribution, allocations []CashAllocation) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(distribution).Error; err != nil {
			return fmt.Errorf("failed to save distribution: %w", err)
		}
		for i := range allocations {
			if err := tx.Create(&allocations[i]).Error; err != nil {
				return fmt.Errorf("failed to save cash allocation: %w", err)
			}
		}
		return nil
	})
}

// GetDistribution retrieves a distribution by ID.
func (d *Database) GetDistribution(distributionID string) (*Distribution, error) {
	var distribution Distribution
	if err := d.db.Where("distribution_id = ?", distributionID).First(&distribution).Error; err != nil {
		return nil, err
	}
	return &distribution, nil
}

// GetAllocations retrieves a distribution's cash allocations in snapshot
// order.
func (d *Database) GetAllocations(distributionID string) ([]CashAllocation, error) {
	var allocations []CashAllocation
	if err := d.db.Where("distribution_id = ?", distributionID).
		Order("id ASC").
		Find(&allocations).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch cash allocations: %w", err)
	}
	return allocations, nil
}
