package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is a transient failure: the coordinator retries with
	// backoff before giving up.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrRejected is a hard failure: the order will never be accepted as
	// submitted and must not be retried.
	ErrRejected = errors.New("broker rejected order")
)

// Submit result statuses.
const (
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
)

// SubmitRequest is a consolidated order destined for the master account.
// IdempotencyToken is caller-generated and deterministic for a given
// aggregate, so a crash-and-retry replays the original result instead of
// creating a duplicate order.
type SubmitRequest struct {
	Symbol           string
	Side             string
	Quantity         decimal.Decimal
	BrokerAccountID  string
	IdempotencyToken string
}

// SubmitResult is the broker's terminal answer for a consolidated order.
type SubmitResult struct {
	BrokerOrderID  string
	Status         string
	FilledQuantity decimal.Decimal
	AveragePrice   decimal.Decimal
}

// Client is the capability the execution coordinator depends on. One
// implementation per concrete broker; submissions must be idempotent given
// a client-supplied token.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
}
