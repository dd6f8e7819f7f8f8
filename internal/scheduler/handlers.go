package scheduler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/ksred/omnibus-api/internal/aggregation"
	"github.com/ksred/omnibus-api/internal/intent"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/ksred/omnibus-api/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for the synchronous execution and
// operator endpoints
type GinHandlers struct {
	scheduler *Scheduler
}

func NewGinHandlers(scheduler *Scheduler) *GinHandlers {
	return &GinHandlers{
		scheduler: scheduler,
	}
}

type batchIntentRequest struct {
	Symbol          string          `json:"symbol" binding:"required"`
	Side            string          `json:"side" binding:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	LotSize         decimal.Decimal `json:"lot_size"`
	BrokerAccountID string          `json:"broker_account_id" binding:"required"`
	Priority        string          `json:"priority"`
}

type executeNowRequest struct {
	Intents []batchIntentRequest `json:"intents" binding:"required,min=1"`
}

// ExecuteNowHandler handles POST requests for synchronous bulk execution:
// the batch is assembled, executed and allocated inline and the per-intent
// results returned. Requires a valid JWT token.
func (h *GinHandlers) ExecuteNowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req executeNowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		intents := make([]types.OrderIntent, len(req.Intents))
		for i, item := range req.Intents {
			intents[i] = types.OrderIntent{
				UserID:          userID,
				Symbol:          item.Symbol,
				Side:            item.Side,
				Quantity:        item.Quantity,
				LotSize:         item.LotSize,
				BrokerAccountID: item.BrokerAccountID,
				Priority:        item.Priority,
			}
		}

		outcomes, err := h.scheduler.AggregateAndExecuteNow(c.Request.Context(), intents)
		if err != nil {
			var vErr *intent.ValidationError
			if errors.As(err, &vErr) {
				response.BadRequest(c, vErr.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{"outcomes": outcomes})
	}
}

type forceCloseRequest struct {
	Symbol          string `json:"symbol" binding:"required"`
	Side            string `json:"side" binding:"required"`
	BrokerAccountID string `json:"broker_account_id" binding:"required"`
	WindowBucket    string `json:"window_bucket" binding:"required"`
}

// ForceCloseWindowHandler handles POST requests to force-close a window,
// assembling and executing a key even when its total is below the broker
// minimum. Requires internal authentication.
func (h *GinHandlers) ForceCloseWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req forceCloseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		key := aggregation.Key{
			Symbol:          req.Symbol,
			Side:            req.Side,
			BrokerAccountID: req.BrokerAccountID,
			WindowBucket:    req.WindowBucket,
		}

		agg, err := h.scheduler.ForceCloseWindow(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, aggregation.ErrNoEligibleIntents) {
				response.NotFound(c, "No queued intents for key")
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, agg)
	}
}

// GetAggregateHandler handles GET requests for an aggregate's audit view:
// the broker-facing order plus its allocation trail. Requires internal
// authentication.
// URL parameter: aggregate_id
func (h *GinHandlers) GetAggregateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		aggregateID := c.Param("aggregate_id")

		agg, err := h.scheduler.assembler.GetDB().GetAggregate(aggregateID)
		if err != nil {
			response.NotFound(c, "Aggregate not found")
			return
		}

		allocations, err := h.scheduler.engine.GetDB().GetAllocationsByAggregateID(aggregateID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{
			"aggregate":   agg,
			"allocations": allocations,
		})
	}
}
