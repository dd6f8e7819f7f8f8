package intent

import (
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord maps a client-supplied idempotency key to the intent
// it created, so replayed enqueue requests return the original intent.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
