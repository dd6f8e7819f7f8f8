package aggregation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksred/omnibus-api/internal/types"
)

// immediateBucketPrefix marks window buckets minted for a single
// synchronous execute-now call. Every intent in the same call shares the
// same sentinel, so they group together and never with another call.
const immediateBucketPrefix = "IMMEDIATE:"

// Key identifies which intents are consolidated together: two intents
// share a key iff all four fields are equal. Key is a value object, never
// persisted as its own row; its canonical form doubles as the lock key for
// the execution coordinator.
type Key struct {
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	BrokerAccountID string `json:"broker_account_id"`
	WindowBucket    string `json:"window_bucket"`
}

// String returns the canonical pipe-joined form of the key.
func (k Key) String() string {
	return strings.Join([]string{k.Symbol, k.Side, k.BrokerAccountID, k.WindowBucket}, "|")
}

// KeyFor maps an intent to its aggregation key. Pure and deterministic:
// re-running assembly for the same inputs is reproducible.
func KeyFor(intent *types.OrderIntent) Key {
	return Key{
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		BrokerAccountID: intent.BrokerAccountID,
		WindowBucket:    intent.WindowBucket,
	}
}

// WindowBucket quantizes an enqueue time to the batch interval, so all
// intents enqueued inside the same interval land on the same bucket
// regardless of arrival order.
func WindowBucket(t time.Time, interval time.Duration) string {
	return t.UTC().Truncate(interval).Format(time.RFC3339)
}

// ImmediateBucket returns the sentinel bucket for one synchronous batch.
func ImmediateBucket(batchID string) string {
	return immediateBucketPrefix + batchID
}

// IsImmediate reports whether a bucket is an execute-now sentinel.
func IsImmediate(bucket string) bool {
	return strings.HasPrefix(bucket, immediateBucketPrefix)
}

// BucketDue reports whether a window bucket is eligible for assembly.
// Immediate buckets are due instantly; quantized buckets are due once the
// interval that produced them has elapsed.
func BucketDue(bucket string, interval time.Duration, now time.Time) (bool, error) {
	if IsImmediate(bucket) {
		return true, nil
	}
	start, err := time.Parse(time.RFC3339, bucket)
	if err != nil {
		return false, fmt.Errorf("malformed window bucket %q: %w", bucket, err)
	}
	return !now.Before(start.Add(interval)), nil
}
