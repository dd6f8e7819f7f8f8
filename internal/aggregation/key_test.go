package aggregation_test

import (
	"testing"
	"time"

	"github.com/ksred/omnibus-api/internal/aggregation"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowBucketQuantizesToInterval(t *testing.T) {
	interval := 5 * time.Minute
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	early := aggregation.WindowBucket(base.Add(10*time.Second), interval)
	late := aggregation.WindowBucket(base.Add(4*time.Minute+59*time.Second), interval)
	next := aggregation.WindowBucket(base.Add(5*time.Minute), interval)

	assert.Equal(t, early, late, "times inside one interval must share a bucket")
	assert.NotEqual(t, early, next, "the next interval must open a new bucket")
	assert.Equal(t, "2026-08-29T10:00:00Z", early)
}

func TestWindowBucketNormalizesToUTC(t *testing.T) {
	interval := 5 * time.Minute
	loc := time.FixedZone("UTC+2", 2*60*60)
	utc := time.Date(2026, 8, 29, 10, 2, 0, 0, time.UTC)

	assert.Equal(t,
		aggregation.WindowBucket(utc, interval),
		aggregation.WindowBucket(utc.In(loc), interval))
}

func TestKeyForGroupsByAllFourFields(t *testing.T) {
	a := types.OrderIntent{Symbol: "AAPL", Side: types.SideBuy, BrokerAccountID: "MASTER_1", WindowBucket: "2026-08-29T10:00:00Z"}
	b := a
	c := a
	c.Side = types.SideSell

	assert.Equal(t, aggregation.KeyFor(&a), aggregation.KeyFor(&b))
	assert.NotEqual(t, aggregation.KeyFor(&a), aggregation.KeyFor(&c))
	assert.Equal(t, "AAPL|BUY|MASTER_1|2026-08-29T10:00:00Z", aggregation.KeyFor(&a).String())
}

func TestImmediateBuckets(t *testing.T) {
	bucket := aggregation.ImmediateBucket("batch-1")

	assert.True(t, aggregation.IsImmediate(bucket))
	assert.False(t, aggregation.IsImmediate("2026-08-29T10:00:00Z"))
	assert.NotEqual(t, bucket, aggregation.ImmediateBucket("batch-2"),
		"each synchronous batch gets its own sentinel")
}

func TestBucketDue(t *testing.T) {
	interval := 5 * time.Minute
	now := time.Date(2026, 8, 29, 10, 6, 0, 0, time.UTC)

	due, err := aggregation.BucketDue("2026-08-29T10:00:00Z", interval, now)
	require.NoError(t, err)
	assert.True(t, due, "an elapsed window is due")

	due, err = aggregation.BucketDue("2026-08-29T10:05:00Z", interval, now)
	require.NoError(t, err)
	assert.False(t, due, "the open window is not due")

	due, err = aggregation.BucketDue(aggregation.ImmediateBucket("batch-1"), interval, now)
	require.NoError(t, err)
	assert.True(t, due, "immediate buckets are always due")

	_, err = aggregation.BucketDue("not-a-timestamp", interval, now)
	assert.Error(t, err)
}

func TestBucketDueAtExactBoundary(t *testing.T) {
	interval := 5 * time.Minute
	boundary := time.Date(2026, 8, 29, 10, 5, 0, 0, time.UTC)

	due, err := aggregation.BucketDue("2026-08-29T10:00:00Z", interval, boundary)
	require.NoError(t, err)
	assert.True(t, due, "a window is due the instant its interval elapses")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
