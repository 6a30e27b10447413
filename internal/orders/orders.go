// Package orders owns order registration and per-order execution accounting.
// Parameters are write-once: a second registration under the same identifier
// is rejected, matching the engine's replay-safety requirements.
package orders

import (
	"fmt"
	"math/big"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/twap-gate/internal/fixedpoint"
	"github.com/ksred/twap-gate/internal/oracle"
	"github.com/ksred/twap-gate/internal/types"
	"github.com/ksred/twap-gate/internal/volatility"
	"github.com/ksred/twap-gate/pkg/response"
)

// Service handles registration and execution-state bookkeeping.
type Service struct {
	gormDB  *gorm.DB
	db      *Database
	adapter *oracle.Adapter
	vol     *volatility.Store
}

func NewService(gormDB *gorm.DB, adapter *oracle.Adapter, vol *volatility.Store) *Service {
	return &Service{
		gormDB:  gormDB,
		db:      NewDatabase(gormDB),
		adapter: adapter,
		vol:     vol,
	}
}

// Register validates and persists a new TWAP order. When volatility gating
// is requested the price history is seeded from the configured feed in the
// same transaction, so a registered order always has a consistent snapshot.
func (s *Service) Register(params *types.OrderParameters, now int64) error {
	logger := log.With().
		Str("service", "orders").
		Str("order_id", params.OrderID).
		Logger()

	if err := validateParameters(params); err != nil {
		return err
	}

	existing, err := s.db.GetParameters(params.OrderID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: order %s already registered", types.ErrInvalidParameters, params.OrderID)
	}

	tx := s.gormDB.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	txDB := s.db.WithTx(tx)
	params.Initialized = true
	if err := txDB.CreateParameters(params); err != nil {
		tx.Rollback()
		return err
	}
	if err := txDB.CreateExecutionState(&types.ExecutionState{
		OrderID:     params.OrderID,
		TotalSold:   "0",
		TotalBought: "0",
	}); err != nil {
		tx.Rollback()
		return err
	}

	if params.VolatilityGated {
		price, decimals, _, err := s.adapter.LatestPrice(params.PriceFeedID)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := s.vol.WithTx(tx).Seed(params.OrderID, price, decimals, now); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	logger.Info().
		Uint32("total_chunks", params.TotalChunks).
		Bool("volatility_gated", params.VolatilityGated).
		Bool("continuous", params.ContinuousMode).
		Msg("order registered")
	return nil
}

// RecordExecution applies one settled chunk to the execution state. It runs
// against the supplied transaction handle and always moves the counters
// forward; gating happened at admission time.
func (s *Service) RecordExecution(tx *gorm.DB, orderID string, sold, bought *big.Int, now int64) (*types.ExecutionState, error) {
	txDB := s.db.WithTx(tx)
	state, err := txDB.GetExecutionState(orderID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w: no execution state for order %s", types.ErrInvalidParameters, orderID)
	}

	totalSold, ok := types.ParseAmount(state.TotalSold)
	if !ok {
		return nil, fmt.Errorf("corrupt sold total for order %s", orderID)
	}
	totalBought, ok := types.ParseAmount(state.TotalBought)
	if !ok {
		return nil, fmt.Errorf("corrupt bought total for order %s", orderID)
	}

	state.ExecutedChunks++
	state.LastExecutionTime = now
	state.TotalSold = totalSold.Add(totalSold, sold).String()
	state.TotalBought = totalBought.Add(totalBought, bought).String()
	if err := txDB.SaveExecutionState(state); err != nil {
		return nil, err
	}

	if err := txDB.CreateFill(&types.FillRecord{
		FillID:       "FILL_" + uuid.New().String(),
		OrderID:      orderID,
		SoldAmount:   sold.String(),
		BoughtAmount: bought.String(),
		ExecutedAt:   now,
	}); err != nil {
		return nil, err
	}
	return state, nil
}

// GetOrder returns the parameters and current execution state together.
func (s *Service) GetOrder(orderID string) (*types.OrderParameters, *types.ExecutionState, error) {
	params, err := s.db.GetParameters(orderID)
	if err != nil || params == nil {
		return nil, nil, err
	}
	state, err := s.db.GetExecutionState(orderID)
	if err != nil {
		return nil, nil, err
	}
	return params, state, nil
}

// History returns the recorded price observations for a gated order.
func (s *Service) History(orderID string) ([]volatility.PricePoint, uint64, error) {
	return s.vol.History(orderID)
}

// CurrentVolatility returns the cached volatility for a gated order.
func (s *Service) CurrentVolatility(orderID string) (uint64, error) {
	return s.vol.Current(orderID)
}

func validateParameters(p *types.OrderParameters) error {
	invalid := func(msg string) error {
		return fmt.Errorf("%w: %s", types.ErrInvalidParameters, msg)
	}

	if p.OrderID == "" {
		return invalid("missing order id")
	}
	if p.TotalChunks == 0 {
		return invalid("total chunks must be at least 1")
	}
	if !p.ContinuousMode && p.ChunkInterval <= 0 {
		return invalid("chunk interval required outside continuous mode")
	}
	if p.StartTime >= p.EndTime {
		return invalid("start time must precede end time")
	}
	if making, ok := types.ParseAmount(p.MakingAmount); !ok || making.Sign() == 0 {
		return invalid("making amount must be a positive integer")
	}
	if _, ok := types.ParseAmount(p.TakingAmount); !ok {
		return invalid("taking amount must be a non-negative integer")
	}
	if _, ok := types.ParseAmount(p.MinChunkSize); !ok {
		return invalid("min chunk size must be a non-negative integer")
	}
	if p.VolatilityGated {
		if p.MaxVolatilityBps <= p.MinVolatilityBps {
			return invalid("max volatility must exceed min volatility")
		}
		if p.PriceFeedID == "" {
			return invalid("price feed reference required for volatility gating")
		}
		if p.MaxPriceStaleness <= 0 {
			return invalid("max price staleness must be positive")
		}
	}
	return nil
}

// GinHandlers contains HTTP handlers for order registration and queries.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// RegisterOrderHandler handles POST requests to register a TWAP order.
func (h *GinHandlers) RegisterOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var params types.OrderParameters
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.Register(&params, time.Now().Unix()); err != nil {
			if code := types.RejectionCode(err); code != "" {
				response.Rejected(c, code, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, params)
	}
}

// GetOrderHandler returns the parameters plus execution state tuple.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		params, state, err := h.service.GetOrder(orderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if params == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, types.OrderResponse{Parameters: params, ExecutionState: state})
	}
}

// VolatilityHandler returns the cached volatility for an order.
func (h *GinHandlers) VolatilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		vol, err := h.service.CurrentVolatility(orderID)
		if err != nil {
			response.NotFound(c, "No volatility state for order")
			return
		}
		response.Success(c, types.NewVolatilityResponse(orderID, vol))
	}
}

// HistoryHandler returns the raw price observation snapshot.
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		points, vol, err := h.service.History(orderID)
		if err != nil {
			response.NotFound(c, "No price history for order")
			return
		}
		response.Success(c, gin.H{
			"order_id":       orderID,
			"volatility_bps": vol,
			"price_decimals": fixedpoint.Decimals,
			"points":         points,
		})
	}
}
