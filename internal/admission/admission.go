// Package admission implements the gate pipeline that decides whether a
// proposed chunk fill of a registered TWAP order may proceed. Every attempt
// runs serialized per order inside a single database transaction: a rejected
// attempt rolls back completely, including any price observation written to
// the volatility buffer on the way to the failing gate.
package admission

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/twap-gate/internal/fixedpoint"
	"github.com/ksred/twap-gate/internal/oracle"
	"github.com/ksred/twap-gate/internal/orders"
	"github.com/ksred/twap-gate/internal/types"
	"github.com/ksred/twap-gate/internal/volatility"
)

// Config carries the engine's tunable policy constants.
type Config struct {
	// SpacingFloor replaces the configured chunk interval for volatility-
	// gated orders: they react to market conditions faster than a fixed
	// calendar schedule allows. Seconds.
	SpacingFloor int64

	// AdaptiveFloorBps is the sizing factor applied at or above the maximum
	// volatility bound when adaptive chunk sizing is on. 10000 = full size.
	AdaptiveFloorBps uint64
}

func DefaultConfig() Config {
	return Config{
		SpacingFloor:     60,
		AdaptiveFloorBps: 5000,
	}
}

// Engine orchestrates the oracle adapter, volatility store, and order state
// on every admission attempt.
type Engine struct {
	gormDB  *gorm.DB
	db      *Database
	orders  *orders.Service
	adapter *oracle.Adapter
	vol     *volatility.Store
	cfg     Config

	// OnCompletion, when set, is invoked once per order after its final
	// chunk settles.
	OnCompletion func(orderID string)

	locks sync.Map // orderID -> *sync.Mutex
}

func NewEngine(gormDB *gorm.DB, ordersService *orders.Service, adapter *oracle.Adapter, vol *volatility.Store, cfg Config) *Engine {
	return &Engine{
		gormDB:  gormDB,
		db:      NewDatabase(gormDB),
		orders:  ordersService,
		adapter: adapter,
		vol:     vol,
		cfg:     cfg,
	}
}

func (e *Engine) orderLock(orderID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(orderID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Admit evaluates the full gate pipeline for a proposed fill. A nil return
// admits the fill; any error is a terminal rejection of this attempt and
// leaves no state behind. A passing attempt commits the price observation
// recorded by the volatility gate.
func (e *Engine) Admit(orderID, taker string, proposedSold, proposedBought *big.Int, now int64) error {
	mu := e.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	settings, err := e.db.GetSettings()
	if err != nil {
		return err
	}
	if settings.Paused {
		return types.ErrPaused
	}

	tx := e.gormDB.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := e.runGates(tx, orderID, taker, proposedSold, proposedBought, now); err != nil {
		tx.Rollback()
		log.Info().
			Str("service", "admission").
			Str("order_id", orderID).
			Str("taker", taker).
			Str("reason", types.RejectionCode(err)).
			Err(err).
			Msg("chunk rejected")
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}

	log.Info().
		Str("service", "admission").
		Str("order_id", orderID).
		Str("taker", taker).
		Str("sold", proposedSold.String()).
		Msg("chunk admitted")
	return nil
}

func (e *Engine) runGates(tx *gorm.DB, orderID, taker string, proposedSold, proposedBought *big.Int, now int64) error {
	ordersDB := orders.NewDatabase(tx)

	params, err := ordersDB.GetParameters(orderID)
	if err != nil {
		return err
	}
	if params == nil || params.TotalChunks == 0 {
		// Not managed by this engine: pass through untouched.
		return nil
	}

	state, err := ordersDB.GetExecutionState(orderID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: no execution state for order %s", types.ErrInvalidParameters, orderID)
	}

	// Lifecycle gate.
	if state.ExecutedChunks >= params.TotalChunks {
		return types.ErrAllChunksExecuted
	}
	if now < params.StartTime {
		return fmt.Errorf("%w: window opens at %d", types.ErrTooEarlyToExecute, params.StartTime)
	}
	if now > params.EndTime {
		return fmt.Errorf("%w: window closed at %d", types.ErrTooLateToExecute, params.EndTime)
	}

	// Spacing gate. Continuous-mode orders pace themselves.
	if !params.ContinuousMode && state.ExecutedChunks > 0 {
		interval := params.ChunkInterval
		if params.VolatilityGated {
			interval = e.cfg.SpacingFloor
		}
		if next := state.LastExecutionTime + interval; now < next {
			return fmt.Errorf("%w: next chunk eligible at %d", types.ErrTooEarlyToExecute, next)
		}
	}

	// Volatility gate.
	var currentVol uint64
	if params.VolatilityGated {
		if params.SequencerFeedID != "" {
			if err := e.adapter.CheckSequencer(params.SequencerFeedID, now); err != nil {
				return err
			}
		}
		price, decimals, observedAt, err := e.adapter.LatestPrice(params.PriceFeedID)
		if err != nil {
			return err
		}
		if err := e.adapter.CheckFreshness(now, observedAt, params.MaxPriceStaleness); err != nil {
			return err
		}
		currentVol, _, err = e.vol.WithTx(tx).Record(orderID, price, decimals, params.LookbackWindow, now)
		if err != nil {
			return err
		}
		if currentVol < params.MinVolatilityBps {
			return &types.VolatilityBandError{CurrentBps: currentVol, BoundBps: params.MinVolatilityBps}
		}
		if currentVol > params.MaxVolatilityBps {
			return &types.VolatilityBandError{CurrentBps: currentVol, BoundBps: params.MaxVolatilityBps, TooHigh: true}
		}
	}

	// Sizing gate.
	making, ok := types.ParseAmount(params.MakingAmount)
	if !ok {
		return fmt.Errorf("corrupt making amount for order %s", orderID)
	}
	expected := fixedpoint.ChunkSize(making, params.TotalChunks, state.ExecutedChunks)
	if params.AdaptiveChunkSize && params.VolatilityGated {
		factor := adaptiveFactorBps(currentVol, params.MinVolatilityBps, params.MaxVolatilityBps, e.cfg.AdaptiveFloorBps)
		if factor != fixedpoint.BpsDenominator {
			adjusted := new(big.Int).Mul(expected, new(big.Int).SetUint64(factor))
			adjusted.Quo(adjusted, big.NewInt(fixedpoint.BpsDenominator))
			log.Debug().
				Str("service", "admission").
				Str("order_id", orderID).
				Uint64("factor_bps", factor).
				Str("base_size", expected.String()).
				Str("adjusted_size", adjusted.String()).
				Msg("chunk size adjusted for volatility")
			expected = adjusted
		}
	}
	minChunk, ok := types.ParseAmount(params.MinChunkSize)
	if !ok {
		return fmt.Errorf("corrupt min chunk size for order %s", orderID)
	}
	// Meeting either floor is sufficient.
	if proposedSold.Cmp(minChunk) < 0 && proposedSold.Cmp(expected) < 0 {
		return fmt.Errorf("%w: proposed %s, minimum %s, expected %s",
			types.ErrChunkTooSmall, proposedSold, minChunk, expected)
	}

	// Price-impact gate.
	if params.MaxPriceImpactBps > 0 {
		taking, ok := types.ParseAmount(params.TakingAmount)
		if !ok {
			return fmt.Errorf("corrupt taking amount for order %s", orderID)
		}
		expectedBought := new(big.Int).Mul(proposedSold, taking)
		expectedBought.Quo(expectedBought, making)
		actual := proposedBought
		if actual == nil || actual.Sign() == 0 {
			// Taker defers to the maker's quoted rate.
			actual = expectedBought
		}
		impact := fixedpoint.PriceImpactBps(expectedBought, actual)
		if impact > params.MaxPriceImpactBps {
			return &types.PriceImpactError{ImpactBps: impact, MaxBps: params.MaxPriceImpactBps}
		}
	}

	// Authorization gate.
	if taker != params.Maker {
		authorized, err := e.db.WithTx(tx).IsAuthorizedTaker(taker)
		if err != nil {
			return err
		}
		if !authorized {
			return fmt.Errorf("%w: taker %s", types.ErrUnauthorized, taker)
		}
	}

	return nil
}

// RecordCompletion applies a settled chunk reported by the host protocol and
// returns whether the order is now complete. The completion signal fires on
// the transition only: the executed counter moves exactly once per settled
// chunk, and a completed order admits no further chunks.
func (e *Engine) RecordCompletion(orderID string, sold, bought, remaining *big.Int, now int64) (bool, error) {
	mu := e.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	tx := e.gormDB.Begin()
	if err := tx.Error; err != nil {
		return false, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ordersDB := orders.NewDatabase(tx)
	params, err := ordersDB.GetParameters(orderID)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if params == nil || params.TotalChunks == 0 {
		tx.Rollback()
		return false, nil
	}

	state, err := e.orders.RecordExecution(tx, orderID, sold, bought, now)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit().Error; err != nil {
		return false, err
	}

	completed := state.ExecutedChunks >= params.TotalChunks ||
		(remaining != nil && remaining.Sign() == 0)
	if completed {
		log.Info().
			Str("service", "admission").
			Str("order_id", orderID).
			Uint32("executed_chunks", state.ExecutedChunks).
			Str("total_sold", state.TotalSold).
			Str("total_bought", state.TotalBought).
			Msg("order completed")
		if e.OnCompletion != nil {
			e.OnCompletion(orderID)
		}
	}
	return completed, nil
}

// PreviewResult is the non-committing answer to "can this order execute
// now, and if not, why".
type PreviewResult struct {
	OrderID       string `json:"order_id"`
	CanExecute    bool   `json:"can_execute"`
	Reason        string `json:"reason"`
	NextEligible  int64  `json:"next_eligible,omitempty"`
	VolatilityBps uint64 `json:"volatility_bps,omitempty"`
	ExpectedChunk string `json:"expected_chunk,omitempty"`
}

// Preview mirrors the admission pipeline without mutating anything: no
// transaction, no ring-buffer write, no oracle sampling. The volatility gate
// is evaluated against the cached reading from the last committed attempt.
func (e *Engine) Preview(orderID string, now int64) (PreviewResult, error) {
	result := PreviewResult{OrderID: orderID, Reason: "ready to execute"}

	settings, err := e.db.GetSettings()
	if err != nil {
		return result, err
	}
	if settings.Paused {
		result.Reason = "admissions paused"
		return result, nil
	}

	ordersDB := orders.NewDatabase(e.gormDB)
	params, err := ordersDB.GetParameters(orderID)
	if err != nil {
		return result, err
	}
	if params == nil || params.TotalChunks == 0 {
		result.CanExecute = true
		result.Reason = "order not managed by this engine"
		return result, nil
	}

	state, err := ordersDB.GetExecutionState(orderID)
	if err != nil {
		return result, err
	}
	if state == nil {
		return result, fmt.Errorf("%w: no execution state for order %s", types.ErrInvalidParameters, orderID)
	}

	if state.ExecutedChunks >= params.TotalChunks {
		result.Reason = "all chunks executed"
		return result, nil
	}
	if now < params.StartTime {
		result.Reason = fmt.Sprintf("window opens at %d", params.StartTime)
		result.NextEligible = params.StartTime
		return result, nil
	}
	if now > params.EndTime {
		result.Reason = fmt.Sprintf("window closed at %d", params.EndTime)
		return result, nil
	}

	if !params.ContinuousMode && state.ExecutedChunks > 0 {
		interval := params.ChunkInterval
		if params.VolatilityGated {
			interval = e.cfg.SpacingFloor
		}
		if next := state.LastExecutionTime + interval; now < next {
			result.Reason = fmt.Sprintf("next chunk eligible at %d", next)
			result.NextEligible = next
			return result, nil
		}
	}

	var currentVol uint64
	if params.VolatilityGated {
		currentVol, err = e.vol.Current(orderID)
		if err != nil {
			return result, err
		}
		result.VolatilityBps = currentVol
		if currentVol < params.MinVolatilityBps {
			result.Reason = fmt.Sprintf("volatility %d bps below minimum %d bps", currentVol, params.MinVolatilityBps)
			return result, nil
		}
		if currentVol > params.MaxVolatilityBps {
			result.Reason = fmt.Sprintf("volatility %d bps above maximum %d bps", currentVol, params.MaxVolatilityBps)
			return result, nil
		}
	}

	if making, ok := types.ParseAmount(params.MakingAmount); ok {
		expected := fixedpoint.ChunkSize(making, params.TotalChunks, state.ExecutedChunks)
		if params.AdaptiveChunkSize && params.VolatilityGated {
			factor := adaptiveFactorBps(currentVol, params.MinVolatilityBps, params.MaxVolatilityBps, e.cfg.AdaptiveFloorBps)
			expected.Mul(expected, new(big.Int).SetUint64(factor))
			expected.Quo(expected, big.NewInt(fixedpoint.BpsDenominator))
		}
		result.ExpectedChunk = expected.String()
	}

	result.CanExecute = true
	result.NextEligible = now
	return result, nil
}

// Pause engages the global circuit breaker.
func (e *Engine) Pause() error { return e.setPaused(true) }

// Resume releases the global circuit breaker.
func (e *Engine) Resume() error { return e.setPaused(false) }

func (e *Engine) setPaused(paused bool) error {
	settings, err := e.db.GetSettings()
	if err != nil {
		return err
	}
	settings.Paused = paused
	if err := e.db.SaveSettings(settings); err != nil {
		return err
	}
	log.Warn().
		Str("service", "admission").
		Bool("paused", paused).
		Msg("engine pause state changed")
	return nil
}

// AuthorizeTaker adds a taker identity to the allow-list. Idempotent.
func (e *Engine) AuthorizeTaker(address string) error {
	return e.db.AuthorizeTaker(address)
}

// DeauthorizeTaker removes a taker identity from the allow-list.
func (e *Engine) DeauthorizeTaker(address string) error {
	return e.db.DeauthorizeTaker(address)
}

// adaptiveFactorBps interpolates the sizing factor linearly from full size
// at the minimum volatility bound down to floorBps at or above the maximum.
func adaptiveFactorBps(vol, minVol, maxVol, floorBps uint64) uint64 {
	if vol <= minVol {
		return fixedpoint.BpsDenominator
	}
	if vol >= maxVol {
		return floorBps
	}
	reduction := (fixedpoint.BpsDenominator - floorBps) * (vol - minVol) / (maxVol - minVol)
	return fixedpoint.BpsDenominator - reduction
}
