package dividend

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/allocation"
	"github.com/ksred/omnibus-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount   = errors.New("distribution amount must be positive")
	ErrNoPositions     = errors.New("distribution requires at least one position")
	ErrInvalidPosition = errors.New("position quantities must be positive")
)

// cashIncrement is the smallest distributable cash unit.
var cashIncrement = decimal.RequireFromString("0.01")

// Service splits pooled dividend payments across position snapshots using
// the same largest-remainder apportionment as order allocation, at cent
// increments.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Distribute apportions a pooled dividend across the given snapshots and
// persists the result. The sum of allocations equals the total amount
// exactly; snapshot order breaks rounding ties.
func (s *Service) Distribute(symbol string, totalAmount decimal.Decimal, currency string, recordDate time.Time, positions []PositionSnapshot) (*Distribution, []CashAllocation, error) {
	logger := log.With().
		Str("symbol", symbol).
		Str("service", "dividend").
		Logger()

	if totalAmount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if len(positions) == 0 {
		return nil, nil, ErrNoPositions
	}

	weights := make([]decimal.Decimal, len(positions))
	for i, pos := range positions {
		if pos.Quantity.Sign() <= 0 {
			return nil, nil, fmt.Errorf("%w: user %s", ErrInvalidPosition, pos.UserID)
		}
		weights[i] = pos.Quantity
	}

	totalPosition := decimal.Zero
	for _, w := range weights {
		totalPosition = totalPosition.Add(w)
	}

	amounts := allocation.Apportion(totalAmount, weights, cashIncrement)

	if currency == "" {
		currency = "USD"
	}
	distribution := &Distribution{
		DistributionID: "DIV_" + uuid.New().String(),
		Symbol:         symbol,
		TotalAmount:    totalAmount,
		Currency:       currency,
		Status:         StatusDistributed,
		RecordDate:     recordDate,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	allocations := make([]CashAllocation, len(positions))
	for i, pos := range positions {
		raw := totalAmount.Mul(pos.Quantity).Div(totalPosition)
		allocations[i] = CashAllocation{
			AllocationID:       "ALC_" + uuid.New().String(),
			DistributionID:     distribution.DistributionID,
			UserID:             pos.UserID,
			PositionQuantity:   pos.Quantity,
			Amount:             amounts[i],
			RoundingAdjustment: amounts[i].Sub(raw).Round(12),
			CreatedAt:          time.Now(),
		}
	}

	if err := s.db.SaveDistribution(distribution, allocations); err != nil {
		return nil, nil, err
	}

	logger.Info().
		Str("distribution_id", distribution.DistributionID).
		Str("total_amount", totalAmount.String()).
		Int("positions", len(positions)).
		Msg("dividend distributed")

	return distribution, allocations, nil
}

// GetDistribution returns a distribution and its allocation trail.
func (s *Service) GetDistribution(distributionID string) (*Distribution, []CashAllocation, error) {
	distribution, err := s.db.GetDistribution(distributionID)
	if err != nil {
		return nil, nil, err
	}
	allocations, err := s.db.GetAllocations(distributionID)
	if err != nil {
		return nil, nil, err
	}
	return distribution, allocations, nil
}

// GinHandlers contains HTTP handlers for dividend endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type distributeRequest struct {
	Symbol      string             `json:"symbol" binding:"required"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Currency    string             `json:"currency"`
	RecordDate  time.Time          `json:"record_date"`
	Positions   []PositionSnapshot `json:"positions" binding:"required,min=1"`
}

// DistributeHandler handles POST requests to distribute a pooled dividend.
// Requires internal authentication.
func (h *GinHandlers) DistributeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req distributeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		recordDate := req.RecordDate
		if recordDate.IsZero() {
			recordDate = time.Now()
		}

		distribution, allocations, err := h.service.Distribute(req.Symbol, req.TotalAmount, req.Currency, recordDate, req.Positions)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrNoPositions), errors.Is(err, ErrInvalidPosition):
				response.BadRequest(c, err.Error())
			default:
				response.InternalError(c, err.Error())
			}
			return
		}

		response.Success(c, gin.H{
			"distribution": distribution,
			"allocations":  allocations,
		})
	}
}

// GetDistributionHandler handles GET requests for a distribution's audit
// view. Requires internal authentication.
// URL parameter: distribution_id
func (h *GinHandlers) GetDistributionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		distributionID := c.Param("distribution_id")

		distribution, allocations, err := h.service.GetDistribution(distributionID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"distribution": distribution,
			"allocations":  allocations,
		})
	}
}
