package intent_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/database"
	"github.com/ksred/omnibus-api/internal/intent"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func newIntent(quantity string) *types.OrderIntent {
	return &types.OrderIntent{
		UserID:          "USER_1",
		Symbol:          "AAPL",
		Side:            types.SideBuy,
		Quantity:        decimal.RequireFromString(quantity),
		BrokerAccountID: "MASTER_1",
	}
}

func TestEnqueueSetsLifecycleDefaults(t *testing.T) {
	db := testDB(t)
	service := intent.NewService(db, 5*time.Minute)

	in := newIntent("100")
	require.NoError(t, service.Enqueue(in, uuid.New().String()))

	assert.True(t, strings.HasPrefix(in.IntentID, "INT_"))
	assert.Equal(t, types.IntentStatusQueued, in.Status)
	assert.Equal(t, types.PriorityNormal, in.Priority)
	assert.True(t, in.LotSize.Equal(decimal.NewFromInt(1)))
	assert.NotEmpty(t, in.WindowBucket)

	// Two intents enqueued in the same interval share a window bucket
	other := newIntent("50")
	require.NoError(t, service.Enqueue(other, uuid.New().String()))
	assert.Equal(t, in.WindowBucket, other.WindowBucket)
}

func TestEnqueueValidation(t *testing.T) {
	db := testDB(t)
	service := intent.NewService(db, 5*time.Minute)

	tests := []struct {
		name   string
		mutate func(*types.OrderIntent)
		field  string
	}{
		{"missing symbol", func(i *types.OrderIntent) { i.Symbol = "" }, "symbol"},
		{"bad side", func(i *types.OrderIntent) { i.Side = "HOLD" }, "side"},
		{"missing account", func(i *types.OrderIntent) { i.BrokerAccountID = "" }, "broker_account_id"},
		{"zero quantity", func(i *types.OrderIntent) { i.Quantity = decimal.Zero }, "quantity"},
		{"negative quantity", func(i *types.OrderIntent) { i.Quantity = decimal.NewFromInt(-5) }, "quantity"},
		{"negative lot size", func(i *types.OrderIntent) { i.LotSize = decimal.NewFromInt(-1) }, "lot_size"},
		{"bad priority", func(i *types.OrderIntent) { i.Priority = "URGENT" }, "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newIntent("100")
			tt.mutate(in)

			err := service.Enqueue(in, uuid.New().String())
			var verr *intent.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			// Rejected intents are never persisted
			var count int64
			require.NoError(t, db.Model(&types.OrderIntent{}).Count(&count).Error)
			assert.Zero(t, count)
		})
	}
}

func TestEnqueueReplaySameIdempotencyKey(t *testing.T) {
	db := testDB(t)
	service := intent.NewService(db, 5*time.Minute)

	key := uuid.New().String()
	first := newIntent("100")
	require.NoError(t, service.Enqueue(first, key))

	replay := newIntent("100")
	require.NoError(t, service.Enqueue(replay, key))
	assert.Equal(t, first.IntentID, replay.IntentID, "a replay returns the original intent")

	var count int64
	require.NoError(t, db.Model(&types.OrderIntent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "a replay must not create a second intent")
}

func TestEnqueueExpiredIdempotencyKeyStartsFresh(t *testing.T) {
	db := testDB(t)
	service := intent.NewService(db, 5*time.Minute)

	key := uuid.New().String()
	first := newIntent("100")
	require.NoError(t, service.Enqueue(first, key))

	// Push the record past its retention window
	require.NoError(t, db.Model(&intent.IdempotencyRecord{}).
		Where("idempotency_key = ?", key).
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	second := newIntent("100")
	require.NoError(t, service.Enqueue(second, key), "an expired key is reusable")
	assert.NotEqual(t, first.IntentID, second.IntentID)

	var count int64
	require.NoError(t, db.Model(&types.OrderIntent{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestCancelQueuedIntent(t *testing.T) {
	db := testDB(t)
	service := intent.NewService(db, 5*time.Minute)

	in := newIntent("100")
	require.NoError(t, service.Enqueue(in, uuid.New().String()))
	require.NoError(t, service.Cancel(in.IntentID, "USER_1"))

	view, err := service.GetStatus(in.IntentID, "USER_1")
	require.NoError(t, err)
	assert.Equal(t, types.IntentStatusCancelled, view.Intent.Status)
}

func TestCancelAggregatedIntentIsRejected(t *testing.T) {
	db := testDB(t)
	service := intent.NewService(db, 5*time.Minute)

	in := newIntent("100")
	require.NoError(t, service.Enqueue(in, uuid.New().String()))

	// The window closed: the intent's portion is now part of a shared order
	require.NoError(t, db.Model(&types.OrderIntent{}).
		Where("intent_id = ?", in.IntentID).
		Updates(map[string]interface{}{
			"status":       types.IntentStatusAggregated,
			"aggregate_id": "AGG_1",
		}).Error)

	assert.ErrorIs(t, service.Cancel(in.IntentID, "USER_1"), intent.ErrAlreadyAggregated)
}

func TestCancelEnforcesOwnership(t *testing.T) {
	db := testDB(t)
	service := intent.NewService(db, 5*time.Minute)

	in := newIntent("100")
	require.NoError(t, service.Enqueue(in, uuid.New().String()))

	assert.ErrorIs(t, service.Cancel(in.IntentID, "USER_2"), intent.ErrNotFound)
	assert.ErrorIs(t, service.Cancel("INT_unknown", "USER_1"), intent.ErrNotFound)
}

func TestGetStatusIncludesAllocationOnceSettled(t *testing.T) {
	db := testDB(t)
	service := intent.NewService(db, 5*time.Minute)

	in := newIntent("100")
	require.NoError(t, service.Enqueue(in, uuid.New().String()))

	view, err := service.GetStatus(in.IntentID, "USER_1")
	require.NoError(t, err)
	assert.Nil(t, view.Allocation, "no allocation before settlement")

	record := types.AllocationRecord{
		AllocationID: "ALC_" + uuid.New().String(),
		AggregateID:  "AGG_1",
		IntentID:     in.IntentID,
		Quantity:     decimal.RequireFromString("100"),
		Price:        decimal.RequireFromString("190"),
		Value:        decimal.RequireFromString("19000"),
		CreatedAt:    time.Now(),
	}
	require.NoError(t, db.Create(&record).Error)

	view, err = service.GetStatus(in.IntentID, "USER_1")
	require.NoError(t, err)
	require.NotNil(t, view.Allocation)
	assert.True(t, view.Allocation.Quantity.Equal(decimal.RequireFromString("100")))
}
