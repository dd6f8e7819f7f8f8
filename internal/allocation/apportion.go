package allocation

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Apportion splits a filled quantity across weights proportionally using
// the largest remainder method. Each share is floored to the instrument's
// minimum tradable increment, then the leftover is handed out one
// increment at a time to the shares with the largest fractional
// remainders. Ties break by position, so callers passing weights in
// creation order get FIFO fairness. Any sub-increment residue lands on the
// first share, keeping the sum exactly equal to filled.
//
// The output always sums to filled; the same input always yields the same
// output.
func Apportion(filled decimal.Decimal, weights []decimal.Decimal, increment decimal.Decimal) []decimal.Decimal {
	if len(weights) == 0 {
		return nil
	}
	if increment.Sign() <= 0 {
		increment = decimal.NewFromInt(1)
	}

	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}

	allocations := make([]decimal.Decimal, len(weights))
	if total.Sign() <= 0 || filled.Sign() <= 0 {
		for i := range allocations {
			allocations[i] = decimal.Zero
		}
		return allocations
	}

	// Floor each raw proportional share to the increment, remembering the
	// fraction of an increment that was cut off.
	type fraction struct {
		index int
		part  decimal.Decimal
	}
	fractions := make([]fraction, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		raw := filled.Mul(w).Div(total)
		steps := raw.Div(increment).Floor()
		allocations[i] = steps.Mul(increment)
		allocated = allocated.Add(allocations[i])
		fractions[i] = fraction{index: i, part: raw.Sub(allocations[i])}
	}

	// Hand out whole leftover increments, largest fraction first, earliest
	// share winning ties.
	sort.SliceStable(fractions, func(a, b int) bool {
		return fractions[a].part.GreaterThan(fractions[b].part)
	})

	remainder := filled.Sub(allocated)
	steps := remainder.Div(increment).Floor().IntPart()
	for i := int64(0); i < steps; i++ {
		idx := fractions[i%int64(len(fractions))].index
		allocations[idx] = allocations[idx].Add(increment)
		remainder = remainder.Sub(increment)
	}

	// Sub-increment residue, present only when the broker fills in units
	// finer than the instrument increment. Applied to a single designated
	// share so the conservation invariant holds exactly.
	if !remainder.IsZero() {
		allocations[0] = allocations[0].Add(remainder)
	}

	return allocations
}
