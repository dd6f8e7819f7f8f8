package aggregation_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/aggregation"
	"github.com/ksred/omnibus-api/internal/database"
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

func queueIntent(t *testing.T, db *gorm.DB, symbol, side, account, bucket, quantity string) types.OrderIntent {
	t.Helper()
	intent := types.OrderIntent{
		IntentID:        "INT_" + uuid.New().String(),
		UserID:          "USER_1",
		Symbol:          symbol,
		Side:            side,
		Quantity:        dec(quantity),
		LotSize:         decimal.NewFromInt(1),
		BrokerAccountID: account,
		Priority:        types.PriorityNormal,
		WindowBucket:    bucket,
		Status:          types.IntentStatusQueued,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	require.NoError(t, db.Create(&intent).Error)
	return intent
}

func TestAssembleDueGroupsByKey(t *testing.T) {
	db := testDB(t)
	interval := 5 * time.Minute
	assembler := aggregation.NewAssembler(db, interval, decimal.NewFromInt(1))

	now := time.Now()
	elapsed := aggregation.WindowBucket(now.Add(-2*interval), interval)

	queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", elapsed, "100")
	queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", elapsed, "50")
	queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", elapsed, "75")
	queueIntent(t, db, "AAPL", types.SideSell, "MASTER_1", elapsed, "30")

	aggs, err := assembler.AssembleDue(now)
	require.NoError(t, err)
	require.Len(t, aggs, 2, "buys and sells never share an aggregate")

	totals := map[string]decimal.Decimal{}
	for _, agg := range aggs {
		totals[agg.Side] = agg.TotalQuantity
		assert.Equal(t, types.AggregateStatusBuilding, agg.Status)
	}
	assert.True(t, totals[types.SideBuy].Equal(dec("225")))
	assert.True(t, totals[types.SideSell].Equal(dec("30")))

	// Every claimed intent now belongs to exactly one aggregate
	var intents []types.OrderIntent
	require.NoError(t, db.Find(&intents).Error)
	for _, it := range intents {
		assert.Equal(t, types.IntentStatusAggregated, it.Status)
		assert.NotEmpty(t, it.AggregateID)
	}
}

func TestAssembleDueSkipsOpenWindows(t *testing.T) {
	db := testDB(t)
	interval := 5 * time.Minute
	assembler := aggregation.NewAssembler(db, interval, decimal.NewFromInt(1))

	now := time.Now()
	open := aggregation.WindowBucket(now, interval)
	queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", open, "100")

	aggs, err := assembler.AssembleDue(now)
	require.NoError(t, err)
	assert.Empty(t, aggs, "the open window must stay open")

	var intent types.OrderIntent
	require.NoError(t, db.First(&intent).Error)
	assert.Equal(t, types.IntentStatusQueued, intent.Status)
}

func TestAssembleDueDefersBelowMinimumGroups(t *testing.T) {
	db := testDB(t)
	interval := 5 * time.Minute
	assembler := aggregation.NewAssembler(db, interval, dec("100"))

	now := time.Now()
	elapsed := aggregation.WindowBucket(now.Add(-2*interval), interval)
	queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", elapsed, "30")
	queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", elapsed, "20")

	aggs, err := assembler.AssembleDue(now)
	require.NoError(t, err)
	assert.Empty(t, aggs, "a 50-unit group stays queued under a 100-unit broker minimum")

	// Quantity accrues; the next pass closes the group
	queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", elapsed, "60")
	aggs, err = assembler.AssembleDue(now)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.True(t, aggs[0].TotalQuantity.Equal(dec("110")))
}

func TestForceCloseOverridesBrokerMinimum(t *testing.T) {
	db := testDB(t)
	interval := 5 * time.Minute
	assembler := aggregation.NewAssembler(db, interval, dec("100"))

	now := time.Now()
	elapsed := aggregation.WindowBucket(now.Add(-2*interval), interval)
	queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", elapsed, "30")

	key := aggregation.Key{
		Symbol:          "AAPL",
		Side:            types.SideBuy,
		BrokerAccountID: "MASTER_1",
		WindowBucket:    elapsed,
	}
	agg, err := assembler.ForceClose(key)
	require.NoError(t, err)
	assert.True(t, agg.TotalQuantity.Equal(dec("30")))
	assert.Equal(t, types.AggregateStatusBuilding, agg.Status)
}

func TestForceCloseWithNoEligibleIntents(t *testing.T) {
	db := testDB(t)
	assembler := aggregation.NewAssembler(db, 5*time.Minute, decimal.NewFromInt(1))

	_, err := assembler.ForceClose(aggregation.Key{
		Symbol:          "AAPL",
		Side:            types.SideBuy,
		BrokerAccountID: "MASTER_1",
		WindowBucket:    "2026-08-29T10:00:00Z",
	})
	assert.ErrorIs(t, err, aggregation.ErrNoEligibleIntents)
}

func TestClaimIsAllOrNothingPerIntent(t *testing.T) {
	db := testDB(t)
	store := aggregation.NewDatabase(db)

	claimedIntent := queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", "2026-08-29T10:00:00Z", "100")
	freshIntent := queueIntent(t, db, "AAPL", types.SideBuy, "MASTER_1", "2026-08-29T10:00:00Z", "50")

	first := &types.AggregatedOrder{
		AggregateID:  "AGG_" + uuid.New().String(),
		Symbol:       "AAPL",
		Side:         types.SideBuy,
		Status:       types.AggregateStatusBuilding,
		WindowBucket: "2026-08-29T10:00:00Z",
	}
	claimed, err := store.CreateAggregateClaimingIntents(first, []types.OrderIntent{claimedIntent})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A racing assembler sees the stale candidate list; only the still
	// unclaimed intent goes through, and the total reflects that
	second := &types.AggregatedOrder{
		AggregateID:  "AGG_" + uuid.New().String(),
		Symbol:       "AAPL",
		Side:         types.SideBuy,
		Status:       types.AggregateStatusBuilding,
		WindowBucket: "2026-08-29T10:00:00Z",
	}
	claimed, err = store.CreateAggregateClaimingIntents(second, []types.OrderIntent{claimedIntent, freshIntent})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, freshIntent.IntentID, claimed[0].IntentID)
	assert.True(t, second.TotalQuantity.Equal(dec("50")))

	// Nothing left: the claim must fail rather than create an empty aggregate
	third := &types.AggregatedOrder{
		AggregateID:  "AGG_" + uuid.New().String(),
		Symbol:       "AAPL",
		Side:         types.SideBuy,
		Status:       types.AggregateStatusBuilding,
		WindowBucket: "2026-08-29T10:00:00Z",
	}
	_, err = store.CreateAggregateClaimingIntents(third, []types.OrderIntent{claimedIntent, freshIntent})
	assert.ErrorIs(t, err, aggregation.ErrNothingClaimed)
}
