package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/omnibus-api/internal/broker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(token string) broker.SubmitRequest {
	return broker.SubmitRequest{
		Symbol:           "AAPL",
		Side:             "BUY",
		Quantity:         decimal.RequireFromString("100"),
		BrokerAccountID:  "MASTER_1",
		IdempotencyToken: token,
	}
}

func TestSubmitFillsCompletely(t *testing.T) {
	venue := broker.NewSimulated()
	venue.LiquidityFactor = 1.0
	venue.SuccessRate = 1.0
	venue.OutageRate = 0

	result, err := venue.Submit(context.Background(), request("agg:AGG_1"))
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, result.Status)
	assert.True(t, result.FilledQuantity.Equal(decimal.RequireFromString("100")))
	assert.True(t, result.AveragePrice.Sign() > 0)
	assert.NotEmpty(t, result.BrokerOrderID)
}

func TestSubmitReplaysIdempotencyToken(t *testing.T) {
	venue := broker.NewSimulated()
	venue.LiquidityFactor = 1.0
	venue.SuccessRate = 1.0
	venue.OutageRate = 0

	first, err := venue.Submit(context.Background(), request("agg:AGG_1"))
	require.NoError(t, err)

	replay, err := venue.Submit(context.Background(), request("agg:AGG_1"))
	require.NoError(t, err)
	assert.Equal(t, first.BrokerOrderID, replay.BrokerOrderID,
		"the same token must replay the original execution, not create a new order")
	assert.True(t, first.FilledQuantity.Equal(replay.FilledQuantity))
	assert.True(t, first.AveragePrice.Equal(replay.AveragePrice))

	// A different token is a different order
	other, err := venue.Submit(context.Background(), request("agg:AGG_2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.BrokerOrderID, other.BrokerOrderID)
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	venue := broker.NewSimulated()
	venue.MinLatency = 100
	venue.MaxLatency = 200
	venue.SuccessRate = 1.0
	venue.OutageRate = 0

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := venue.Submit(ctx, request("agg:AGG_1"))
	assert.ErrorIs(t, err, broker.ErrUnavailable)
}
