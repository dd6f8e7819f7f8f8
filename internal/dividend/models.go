package dividend

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	StatusDistributed = "DISTRIBUTED"
	StatusFailed      = "FAILED"
)

// Distribution is one pooled dividend payment received on the master
// account and split pro-rata across position snapshots.
type Distribution struct {
	gorm.Model     `json:"-"`
	DistributionID string          `gorm:"uniqueIndex" json:"distribution_id"`
	Symbol         string          `json:"symbol"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(32,12)" json:"total_amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"` // DISTRIBUTED or FAILED
	RecordDate     time.Time       `json:"record_date"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CashAllocation is one user's share of a distribution. Written once,
// immutable thereafter.
type CashAllocation struct {
	gorm.Model         `json:"-"`
	AllocationID       string          `gorm:"uniqueIndex" json:"allocation_id"`
	DistributionID     string          `gorm:"index" json:"distribution_id"`
	UserID             string          `json:"user_id"`
	PositionQuantity   decimal.Decimal `gorm:"type:decimal(32,12)" json:"position_quantity"`
	Amount             decimal.Decimal `gorm:"type:decimal(32,12)" json:"amount"`
	RoundingAdjustment decimal.Decimal `gorm:"type:decimal(32,12)" json:"rounding_adjustment"`
	CreatedAt          time.Time       `json:"created_at"`
}

// PositionSnapshot is one user's holding of the dividend-paying security
// on the record date. Snapshot order is preserved for rounding tie-breaks.
type PositionSnapshot struct {
	UserID   string          `json:"user_id" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
}
