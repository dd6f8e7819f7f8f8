package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

const (
	PriorityHigh   = "HIGH"
	PriorityNormal = "NORMAL"
)

// OrderIntent lifecycle states. QUEUED intents are eligible for assembly;
// AGGREGATED intents belong to exactly one aggregate and can no longer be
// cancelled. PARTIALLY_FILLED is terminal for the batch the intent joined.
const (
	IntentStatusQueued          = "QUEUED"
	IntentStatusAggregated      = "AGGREGATED"
	IntentStatusSubmitted       = "SUBMITTED"
	IntentStatusFilled          = "FILLED"
	IntentStatusPartiallyFilled = "PARTIALLY_FILLED"
	IntentStatusFailed          = "FAILED"
	IntentStatusCancelled       = "CANCELLED"
)

// AggregatedOrder lifecycle states.
const (
	AggregateStatusBuilding        = "BUILDING"
	AggregateStatusSubmitted       = "SUBMITTED"
	AggregateStatusFilled          = "FILLED"
	AggregateStatusPartiallyFilled = "PARTIALLY_FILLED"
	AggregateStatusFailed          = "FAILED"
)

// OrderIntent is one user's request to trade. Quantity never changes after
// creation; only the status and the aggregate association do.
type OrderIntent struct {
	gorm.Model      `json:"-"`
	IntentID        string          `gorm:"uniqueIndex" json:"intent_id"`
	UserID          string          `json:"user_id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"` // BUY or SELL
	Quantity        decimal.Decimal `gorm:"type:decimal(32,12)" json:"quantity"`
	LotSize         decimal.Decimal `gorm:"type:decimal(32,12)" json:"lot_size"`
	BrokerAccountID string          `json:"broker_account_id"`
	Priority        string          `json:"priority"` // HIGH or NORMAL
	WindowBucket    string          `gorm:"index" json:"window_bucket"`
	Status          string          `gorm:"index" json:"status"`
	AggregateID     string          `gorm:"index" json:"aggregate_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AggregatedOrder is the single broker-facing order consolidating many
// intents. Constituents are the intents whose AggregateID points here;
// membership is frozen once the aggregate leaves BUILDING. Closed
// aggregates are never deleted.
type AggregatedOrder struct {
	gorm.Model      `json:"-"`
	AggregateID     string          `gorm:"uniqueIndex" json:"aggregate_id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	BrokerAccountID string          `json:"broker_account_id"`
	WindowBucket    string          `json:"window_bucket"`
	TotalQuantity   decimal.Decimal `gorm:"type:decimal(32,12)" json:"total_quantity"`
	Status          string          `gorm:"index" json:"status"`
	BrokerOrderID   string          `json:"broker_order_id,omitempty"`
	FilledQuantity  decimal.Decimal `gorm:"type:decimal(32,12)" json:"filled_quantity"`
	AveragePrice    decimal.Decimal `gorm:"type:decimal(32,12)" json:"average_price"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AllocationRecord apportions a settled aggregate back to one constituent
// intent. Written once, immutable thereafter; this is the audit trail.
// Every allocation of the same aggregate carries the aggregate's average
// fill price, so pooled participants are treated identically.
type AllocationRecord struct {
	gorm.Model         `json:"-"`
	AllocationID       string          `gorm:"uniqueIndex" json:"allocation_id"`
	AggregateID        string          `gorm:"index" json:"aggregate_id"`
	IntentID           string          `gorm:"uniqueIndex" json:"intent_id"`
	Quantity           decimal.Decimal `gorm:"type:decimal(32,12)" json:"allocated_quantity"`
	Price              decimal.Decimal `gorm:"type:decimal(32,12)" json:"allocated_price"`
	Value              decimal.Decimal `gorm:"type:decimal(32,12)" json:"allocated_value"`
	RoundingAdjustment decimal.Decimal `gorm:"type:decimal(32,12)" json:"rounding_adjustment"`
	CreatedAt          time.Time       `json:"created_at"`
}
