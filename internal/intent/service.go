package intent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/aggregation"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyAggregated rejects cancellation of an intent whose portion
	// has already become part of a shared broker order.
	ErrAlreadyAggregated = errors.New("intent already aggregated")
	// ErrNotFound is returned for unknown or foreign intent IDs.
	ErrNotFound = errors.New("intent not found")
)

// ValidationError rejects a malformed intent before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent: %s %s", e.Field, e.Reason)
}

// StatusView is the queryable lifecycle view of an intent: terminal status
// plus the exact allocation once settled.
type StatusView struct {
	Intent     *types.OrderIntent      `json:"intent"`
	Allocation *types.AllocationRecord `json:"allocation,omitempty"`
}

// Service owns the order intent lifecycle: enqueue, cancel and status.
type Service struct {
	db            *Database
	batchInterval time.Duration
}

func NewService(gormDB *gorm.DB, batchInterval time.Duration) *Service {
	return &Service{
		db:            NewDatabase(gormDB),
		batchInterval: batchInterval,
	}
}

// Validate checks an intent before enqueue. Rejected intents are never
// persisted.
func Validate(intent *types.OrderIntent) error {
	if intent.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}
	if intent.Side != types.SideBuy && intent.Side != types.SideSell {
		return &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if intent.BrokerAccountID == "" {
		return &ValidationError{Field: "broker_account_id", Reason: "is required"}
	}
	if intent.Quantity.Sign() <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if intent.LotSize.Sign() < 0 {
		return &ValidationError{Field: "lot_size", Reason: "must not be negative"}
	}
	if intent.Priority != "" && intent.Priority != types.PriorityHigh && intent.Priority != types.PriorityNormal {
		return &ValidationError{Field: "priority", Reason: "must be HIGH or NORMAL"}
	}
	return nil
}

// Enqueue validates and persists a new QUEUED intent, tagging it with the
// window bucket for the current batch interval. Replays of the same
// idempotency key return the originally created intent.
func (s *Service) Enqueue(intent *types.OrderIntent, idempotencyKey string) error {
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err == nil && record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetIntent(record.ResourceID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		*intent = *existing
		return nil
	}

	if err := Validate(intent); err != nil {
		return err
	}

	now := time.Now()
	intent.IntentID = "INT_" + uuid.New().String()
	intent.Status = types.IntentStatusQueued
	intent.WindowBucket = aggregation.WindowBucket(now, s.batchInterval)
	if intent.Priority == "" {
		intent.Priority = types.PriorityNormal
	}
	if intent.LotSize.IsZero() {
		intent.LotSize = decimal.NewFromInt(1)
	}
	intent.CreatedAt = now
	intent.UpdatedAt = now

	if err := s.db.CreateIntentWithIdempotency(intent, idempotencyKey); err != nil {
		return err
	}

	log.Info().
		Str("intent_id", intent.IntentID).
		Str("user_id", intent.UserID).
		Str("symbol", intent.Symbol).
		Str("side", intent.Side).
		Str("quantity", intent.Quantity.String()).
		Str("window_bucket", intent.WindowBucket).
		Msg("intent enqueued")

	return nil
}

// Cancel cancels an intent that is still queued. Once aggregated the
// user's portion is part of a shared executed order and cancellation is
// rejected with ErrAlreadyAggregated.
func (s *Service) Cancel(intentID, userID string) error {
	existing, err := s.db.GetIntentByIntentIDAndUserID(intentID, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}

	rows, err := s.db.CancelIfQueued(intentID)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyAggregated
	}

	log.Info().Str("intent_id", intentID).Msg("intent cancelled")
	return nil
}

// GetStatus returns the intent's lifecycle state and, if settled, its
// exact allocation.
func (s *Service) GetStatus(intentID, userID string) (*StatusView, error) {
	existing, err := s.db.GetIntentByIntentIDAndUserID(intentID, userID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}

	allocation, err := s.db.GetAllocationByIntentID(intentID)
	if err != nil {
		return nil, err
	}

	return &StatusView{Intent: existing, Allocation: allocation}, nil
}
