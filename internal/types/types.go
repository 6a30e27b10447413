package types

import (
	"math/big"
	"time"

	"gorm.io/gorm"
)

// OrderParameters holds the immutable configuration of a registered TWAP
// order. A row is written exactly once; the uniqueIndex on OrderID plus the
// Initialized flag reject re-registration under the same identifier.
type OrderParameters struct {
	gorm.Model `json:"-"`
	OrderID    string `gorm:"uniqueIndex" json:"order_id"`
	Maker      string `json:"maker"`

	// Declared totals of the underlying order, base units as decimal strings.
	MakingAmount string `json:"making_amount"`
	TakingAmount string `json:"taking_amount"`

	// Schedule.
	TotalChunks   uint32 `json:"total_chunks"`
	ChunkInterval int64  `json:"chunk_interval"` // seconds
	StartTime     int64  `json:"start_time"`     // unix seconds
	EndTime       int64  `json:"end_time"`

	// Sizing.
	MinChunkSize      string `json:"min_chunk_size"`
	MaxPriceImpactBps uint64 `json:"max_price_impact_bps"` // 0 disables the check

	// Volatility gating.
	VolatilityGated   bool   `json:"volatility_gated"`
	MinVolatilityBps  uint64 `json:"min_volatility_bps"`
	MaxVolatilityBps  uint64 `json:"max_volatility_bps"`
	LookbackWindow    int64  `json:"lookback_window"` // seconds
	PriceFeedID       string `json:"price_feed_id"`
	SequencerFeedID   string `json:"sequencer_feed_id"`
	MaxPriceStaleness int64  `json:"max_price_staleness"` // seconds

	// Behavior flags.
	AdaptiveChunkSize bool `json:"adaptive_chunk_size"`
	ContinuousMode    bool `json:"continuous_mode"`

	Initialized bool `json:"initialized"`
}

// ExecutionState is the mutable per-order execution accounting. All fields
// move monotonically, exactly once per settled chunk.
type ExecutionState struct {
	gorm.Model        `json:"-"`
	OrderID           string `gorm:"uniqueIndex" json:"order_id"`
	ExecutedChunks    uint32 `json:"executed_chunks"`
	LastExecutionTime int64  `json:"last_execution_time"`
	TotalSold         string `json:"total_sold"`
	TotalBought       string `json:"total_bought"`
}

// FillRecord is the audit trail for one settled chunk.
type FillRecord struct {
	gorm.Model   `json:"-"`
	FillID       string    `gorm:"uniqueIndex" json:"fill_id"`
	OrderID      string    `gorm:"index" json:"order_id"`
	SoldAmount   string    `json:"sold_amount"`
	BoughtAmount string    `json:"bought_amount"`
	ExecutedAt   int64     `json:"executed_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthorizedTaker is one entry of the global taker allow-list.
type AuthorizedTaker struct {
	gorm.Model `json:"-"`
	Address    string    `gorm:"uniqueIndex" json:"address"`
	CreatedAt  time.Time `json:"created_at"`
}

// EngineSettings is a singleton row carrying the global circuit breaker.
type EngineSettings struct {
	gorm.Model `json:"-"`
	Paused     bool `json:"paused"`
}

// ParseAmount parses a non-negative base-10 integer amount string. Empty
// strings parse as zero, which registration treats the same as absent.
func ParseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
