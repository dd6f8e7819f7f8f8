package intent

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/ksred/omnibus-api/internal/types"
	"github.com/ksred/omnibus-api/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for intent endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for intent endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type enqueueRequest struct {
	Symbol          string          `json:"symbol" binding:"required"`
	Side            string          `json:"side" binding:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	LotSize         decimal.Decimal `json:"lot_size"`
	BrokerAccountID string          `json:"broker_account_id" binding:"required"`
	Priority        string          `json:"priority"`
}

// EnqueueIntentHandler handles POST requests to enqueue new order intents
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) EnqueueIntentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req enqueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		intent := types.OrderIntent{
			UserID:          userID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Quantity:        req.Quantity,
			LotSize:         req.LotSize,
			BrokerAccountID: req.BrokerAccountID,
			Priority:        req.Priority,
		}

		if err := h.service.Enqueue(&intent, idempotencyKey); err != nil {
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				response.BadRequest(c, vErr.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, intent)
	}
}

// GetIntentStatusHandler handles GET requests for an intent's lifecycle
// state and allocation. Requires a valid JWT token.
// URL parameter: intent_id
func (h *GinHandlers) GetIntentStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		intentID := c.Param("intent_id")
		if intentID == "" {
			response.BadRequest(c, "Intent ID is required")
			return
		}

		view, err := h.service.GetStatus(intentID, userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				response.NotFound(c, "Intent not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, view)
	}
}

// CancelIntentHandler handles POST requests to cancel a queued intent
// URL parameter: intent_id
func (h *GinHandlers) CancelIntentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		intentID := c.Param("intent_id")

		err := h.service.Cancel(intentID, userID)
		switch {
		case err == nil:
			response.Success(c, gin.H{"intent_id": intentID, "status": types.IntentStatusCancelled})
		case errors.Is(err, ErrNotFound):
			response.NotFound(c, "Intent not found")
		case errors.Is(err, ErrAlreadyAggregated):
			response.Conflict(c, response.ErrCodeAlreadyAggregated, "Intent is already part of an aggregated order")
		default:
			response.InternalError(c, err.Error())
		}
	}
}
