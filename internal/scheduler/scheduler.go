package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/aggregation"
	"github.com/ksred/omnibus-api/internal/allocation"
	"github.com/ksred/omnibus-api/internal/execution"
	"github.com/ksred/omnibus-api/internal/intent"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// IntentOutcome is the per-intent result of a synchronous batch: the
// terminal status, the allocation if the batch settled, and the unfilled
// remainder the caller may choose to re-queue.
type IntentOutcome struct {
	IntentID   string                  `json:"intent_id"`
	Status     string                  `json:"status"`
	Allocation *types.AllocationRecord `json:"allocation,omitempty"`
	Shortfall  decimal.Decimal         `json:"shortfall"`
}

// Scheduler drives the aggregation pipeline: a periodic tick closes due
// windows, executes ready aggregates and settles fills, and a synchronous
// entry point runs the same machinery inline for one batch. Ticks are safe
// to run from multiple replicas; per-key mutual exclusion lives in the
// execution coordinator's lease, not here.
type Scheduler struct {
	db          *Database
	assembler   *aggregation.Assembler
	coordinator *execution.Coordinator
	engine      *allocation.Engine
	tick        time.Duration
	workers     int
}

func New(gormDB *gorm.DB, assembler *aggregation.Assembler, coordinator *execution.Coordinator, engine *allocation.Engine, tick time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		db:          NewDatabase(gormDB),
		assembler:   assembler,
		coordinator: coordinator,
		engine:      engine,
		tick:        tick,
		workers:     workers,
	}
}

// Start begins the periodic control loop. Blocks until the context is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "scheduler").Logger()
	logger.Info().Dur("tick", s.tick).Int("workers", s.workers).Msg("starting aggregation scheduler")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down aggregation scheduler")
			return
		case <-ticker.C:
			if err := s.RunTick(ctx); err != nil {
				logger.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// RunTick performs one pass: close due windows, execute every ready
// aggregate with bounded fan-out, then settle anything filled but not yet
// allocated. A tick that finds nothing eligible is a no-op.
func (s *Scheduler) RunTick(ctx context.Context) error {
	if _, err := s.assembler.AssembleDue(time.Now()); err != nil {
		return err
	}

	executable, err := s.assembler.GetDB().GetExecutableAggregates()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, agg := range executable {
		aggregateID := agg.AggregateID
		g.Go(func() error {
			s.executeAndSettle(gctx, aggregateID)
			// Failures are isolated per key; never abort the group
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Catch aggregates whose settlement was interrupted on a prior run
	return s.engine.SettleUnsettled(s.assembler.GetDB().GetConstituents)
}

// executeAndSettle runs submission and settlement for one aggregate.
// Losing the key lease is the expected outcome of a race and not an error.
func (s *Scheduler) executeAndSettle(ctx context.Context, aggregateID string) []allocation.Result {
	logger := log.With().Str("component", "scheduler").Str("aggregate_id", aggregateID).Logger()

	agg, err := s.coordinator.Execute(ctx, aggregateID)
	if err != nil {
		if errors.Is(err, execution.ErrAlreadyInFlight) {
			logger.Debug().Msg("aggregate handled by another worker")
			return nil
		}
		logger.Error().Err(err).Msg("aggregate execution failed")
		return nil
	}

	if agg.Status != types.AggregateStatusFilled && agg.Status != types.AggregateStatusPartiallyFilled {
		return nil
	}

	constituents, err := s.assembler.GetDB().GetConstituents(aggregateID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load constituents for settlement")
		return nil
	}

	results, err := s.engine.Allocate(agg, constituents)
	if err != nil {
		if !errors.Is(err, allocation.ErrAlreadySettled) {
			logger.Error().Err(err).Msg("settlement failed")
		}
		return nil
	}
	return results
}

// AggregateAndExecuteNow runs assembly, execution and allocation inline
// for one caller-provided batch, bypassing the window wait. The same
// key/lock/allocation machinery applies; only the window policy differs.
func (s *Scheduler) AggregateAndExecuteNow(ctx context.Context, intents []types.OrderIntent) ([]IntentOutcome, error) {
	batchID := uuid.New().String()
	bucket := aggregation.ImmediateBucket(batchID)

	now := time.Now()
	for i := range intents {
		if err := intent.Validate(&intents[i]); err != nil {
			return nil, err
		}
		intents[i].IntentID = "INT_" + uuid.New().String()
		intents[i].Status = types.IntentStatusQueued
		intents[i].WindowBucket = bucket
		if intents[i].Priority == "" {
			intents[i].Priority = types.PriorityNormal
		}
		if intents[i].LotSize.IsZero() {
			intents[i].LotSize = decimal.NewFromInt(1)
		}
		// Preserve submission order for FIFO rounding tie-breaks
		intents[i].CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		intents[i].UpdatedAt = intents[i].CreatedAt
	}

	if err := s.db.CreateIntents(intents); err != nil {
		return nil, err
	}

	aggs, err := s.assembler.AssembleBatch(intents)
	if err != nil {
		return nil, err
	}

	resultsByIntent := make(map[string]allocation.Result)
	for i := range aggs {
		for _, res := range s.executeAndSettle(ctx, aggs[i].AggregateID) {
			resultsByIntent[res.Record.IntentID] = res
		}
	}

	outcomes := make([]IntentOutcome, 0, len(intents))
	for _, it := range intents {
		outcome := IntentOutcome{IntentID: it.IntentID, Shortfall: decimal.Zero}
		if res, ok := resultsByIntent[it.IntentID]; ok {
			record := res.Record
			outcome.Allocation = &record
			outcome.Shortfall = res.Shortfall
		}
		reloaded, err := s.db.GetIntent(it.IntentID)
		if err != nil {
			return nil, err
		}
		outcome.Status = reloaded.Status
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// ForceCloseWindow assembles and processes one key regardless of the
// broker minimum. Operator override for below-minimum batches.
func (s *Scheduler) ForceCloseWindow(ctx context.Context, key aggregation.Key) (*types.AggregatedOrder, error) {
	agg, err := s.assembler.ForceClose(key)
	if err != nil {
		return nil, err
	}

	s.executeAndSettle(ctx, agg.AggregateID)
	return s.assembler.GetDB().GetAggregate(agg.AggregateID)
}
