// Package volatility maintains per-order price history in a fixed-capacity
// ring buffer and computes annualized realized volatility from the recorded
// returns. All statistics run on 18-decimal fixed-point integers so repeated
// replays of the same observations yield identical results.
package volatility

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/twap-gate/internal/fixedpoint"
)

// SecondsPerYear is the annualization horizon.
const SecondsPerYear = 31_536_000

var ErrStateNotFound = errors.New("volatility state not found")

// Store reads and writes volatility state through a gorm handle. Callers
// compose it over a transaction when the write must be atomic with other
// state changes.
type Store struct {
	db       *gorm.DB
	capacity int
}

func NewStore(db *gorm.DB, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{db: db, capacity: capacity}
}

// WithTx returns a store bound to the given transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, capacity: s.capacity}
}

// Seed creates the state for a newly registered order with a single
// zero-return observation at slot 0.
func (s *Store) Seed(orderID string, rawPrice *big.Int, decimals uint8, now int64) error {
	r := newRing(s.capacity)
	r.points[0] = PricePoint{
		Price:      fixedpoint.Normalize(rawPrice, decimals).String(),
		ObservedAt: now,
		Return:     "0",
	}
	r.count = 1

	state := &State{OrderID: orderID, FeedDecimals: decimals}
	if err := r.encode(state); err != nil {
		return err
	}
	return s.db.Create(state).Error
}

// Record feeds a fresh oracle observation into the ring buffer and returns
// the current annualized volatility in basis points. Observations not
// strictly newer than the head are ignored: oracles updating slower than the
// chunk-check cadence are expected, and duplicate rounds must not distort
// the statistics. The boolean reports whether the buffer changed.
func (s *Store) Record(orderID string, rawPrice *big.Int, decimals uint8, lookback, now int64) (uint64, bool, error) {
	state, err := s.get(orderID)
	if err != nil {
		return 0, false, err
	}
	r, err := decodeRing(state, s.capacity)
	if err != nil {
		return 0, false, err
	}

	head := r.at(r.head)
	if r.count > 0 && now <= head.ObservedAt {
		return state.CurrentVolatilityBps, false, nil
	}

	prev, _ := new(big.Int).SetString(head.Price, 10)
	normalized := fixedpoint.Normalize(rawPrice, decimals)
	r.push(PricePoint{
		Price:      normalized.String(),
		ObservedAt: now,
		Return:     fixedpoint.SignedReturn(prev, normalized).String(),
	})

	if r.count >= 2 {
		state.CurrentVolatilityBps = annualizedVolatilityBps(r, lookback, now)
		log.Debug().
			Str("service", "volatility").
			Str("order_id", orderID).
			Uint64("volatility_bps", state.CurrentVolatilityBps).
			Str("volatility_pct", decimal.New(int64(state.CurrentVolatilityBps), -2).String()).
			Int("samples", r.count).
			Msg("volatility updated")
	}

	state.FeedDecimals = decimals
	if err := r.encode(state); err != nil {
		return 0, false, err
	}
	if err := s.db.Save(state).Error; err != nil {
		return 0, false, err
	}
	return state.CurrentVolatilityBps, true, nil
}

// Current returns the last computed volatility without touching the buffer.
func (s *Store) Current(orderID string) (uint64, error) {
	state, err := s.get(orderID)
	if err != nil {
		return 0, err
	}
	return state.CurrentVolatilityBps, nil
}

// History returns the recorded observations oldest first, plus the cached
// volatility. Read-only.
func (s *Store) History(orderID string) ([]PricePoint, uint64, error) {
	state, err := s.get(orderID)
	if err != nil {
		return nil, 0, err
	}
	r, err := decodeRing(state, s.capacity)
	if err != nil {
		return nil, 0, err
	}
	return r.ordered(), state.CurrentVolatilityBps, nil
}

func (s *Store) get(orderID string) (*State, error) {
	var state State
	if err := s.db.Where("order_id = ?", orderID).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrStateNotFound, orderID)
		}
		return nil, err
	}
	return &state, nil
}

// annualizedVolatilityBps walks the buffer backward from the head, collects
// the returns inside the lookback window, and annualizes their sample
// standard deviation by the square-root-of-time rule.
//
// The walk stops at the first point older than the window rather than
// filtering globally: entries are time-ordered relative to the head, so
// everything beyond the first stale point is stale too. Zero returns carry
// no information (typically the seed point) and are not samples.
func annualizedVolatilityBps(r ring, lookback, now int64) uint64 {
	if r.count < 2 {
		return 0
	}

	cutoff := now - lookback
	var (
		n                int64
		sum              = new(big.Int)
		sumSq            = new(big.Int)
		earliest, latest int64
	)

	idx := r.head
	for step := 0; step < r.count-1; step++ {
		p := r.points[idx]
		if p.ObservedAt < cutoff {
			break
		}
		ret, ok := new(big.Int).SetString(p.Return, 10)
		if ok && ret.Sign() != 0 {
			n++
			sum.Add(sum, ret)
			// Squares are rescaled down by one Scale immediately so the
			// accumulator stays at 18 decimals.
			sq := new(big.Int).Mul(ret, ret)
			sq.Quo(sq, fixedpoint.Scale)
			sumSq.Add(sumSq, sq)
			if n == 1 {
				latest = p.ObservedAt
			}
			earliest = p.ObservedAt
		}
		idx = (idx - 1 + r.capacity) % r.capacity
	}
	if n == 0 {
		return 0
	}

	nBig := big.NewInt(n)
	mean := new(big.Int).Quo(sum, nBig)
	meanSq := new(big.Int).Mul(mean, mean)
	meanSq.Quo(meanSq, fixedpoint.Scale)
	variance := new(big.Int).Quo(sumSq, nBig)
	variance.Sub(variance, meanSq)
	if variance.Sign() <= 0 {
		return 0
	}
	stdDev := fixedpoint.Sqrt(new(big.Int).Mul(variance, fixedpoint.Scale))

	span := latest - earliest
	if span <= 0 {
		// All samples at one instant: no basis to extrapolate.
		return 0
	}
	avgSpacing := span / n
	if avgSpacing <= 0 {
		return 0
	}

	annFactor := new(big.Int).Mul(big.NewInt(SecondsPerYear), fixedpoint.Scale)
	annFactor.Mul(annFactor, fixedpoint.Scale)
	annFactor.Quo(annFactor, big.NewInt(avgSpacing))
	multiplier := fixedpoint.Sqrt(annFactor)

	vol := new(big.Int).Mul(stdDev, multiplier)
	vol.Mul(vol, big.NewInt(fixedpoint.BpsDenominator))
	vol.Quo(vol, fixedpoint.Scale)
	vol.Quo(vol, fixedpoint.Scale)
	if !vol.IsUint64() {
		return ^uint64(0)
	}
	return vol.Uint64()
}
