// Package oracle adapts external price and sequencer-liveness feeds for the
// admission engine. Feeds are plain interfaces so tests and local runs can
// substitute in-memory implementations for live data sources.
package oracle

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ksred/twap-gate/internal/types"
)

// RoundData mirrors the round tuple exposed by aggregator-style feeds.
type RoundData struct {
	RoundID   uint64
	Answer    *big.Int
	StartedAt int64
	UpdatedAt int64
}

// PriceFeed supplies the latest price round for one asset pair.
type PriceFeed interface {
	LatestRoundData() (RoundData, error)
	Decimals() uint8
}

// SequencerFeed reports L2 sequencer liveness: a zero answer means up, and
// StartedAt marks the last status transition.
type SequencerFeed interface {
	LatestRoundData() (RoundData, error)
}

// Registry holds the feeds known to this deployment, keyed by the feed
// reference stored on each order.
type Registry struct {
	mu         sync.RWMutex
	prices     map[string]PriceFeed
	sequencers map[string]SequencerFeed
}

func NewRegistry() *Registry {
	return &Registry{
		prices:     make(map[string]PriceFeed),
		sequencers: make(map[string]SequencerFeed),
	}
}

func (r *Registry) RegisterPriceFeed(id string, feed PriceFeed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[id] = feed
}

func (r *Registry) RegisterSequencerFeed(id string, feed SequencerFeed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequencers[id] = feed
}

func (r *Registry) priceFeed(id string) (PriceFeed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.prices[id]
	return f, ok
}

func (r *Registry) sequencerFeed(id string) (SequencerFeed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.sequencers[id]
	return f, ok
}

// Adapter performs the read-and-validate step against registered feeds. It
// never mutates state; every failure aborts the enclosing admission check.
type Adapter struct {
	registry *Registry

	// gracePeriod is how long a freshly recovered sequencer stays untrusted.
	gracePeriod int64
}

// DefaultGracePeriod is the recommended distrust window after a sequencer
// recovers, in seconds.
const DefaultGracePeriod = 3600

func NewAdapter(registry *Registry, gracePeriod int64) *Adapter {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Adapter{registry: registry, gracePeriod: gracePeriod}
}

// LatestPrice reads and validates the current round of a price feed. A
// non-positive answer, zero round ID, or zero update timestamp all mean the
// feed has no valid round.
func (a *Adapter) LatestPrice(feedID string) (price *big.Int, decimals uint8, observedAt int64, err error) {
	feed, ok := a.registry.priceFeed(feedID)
	if !ok {
		return nil, 0, 0, fmt.Errorf("%w: unknown feed %q", types.ErrInvalidPriceFeed, feedID)
	}
	round, err := feed.LatestRoundData()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", types.ErrInvalidPriceFeed, err)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 || round.RoundID == 0 || round.UpdatedAt == 0 {
		return nil, 0, 0, fmt.Errorf("%w: feed %q returned no valid round", types.ErrInvalidPriceFeed, feedID)
	}
	return round.Answer, feed.Decimals(), round.UpdatedAt, nil
}

// CheckFreshness rejects price data older than the configured bound.
func (a *Adapter) CheckFreshness(now, observedAt, maxStaleness int64) error {
	staleness := now - observedAt
	if staleness > maxStaleness {
		return &types.StalenessError{Staleness: staleness, Max: maxStaleness}
	}
	return nil
}

// CheckSequencer rejects when the liveness feed reports the sequencer down,
// and when it reports up but the last transition was within the grace
// period: a sequencer that just came back is untrusted for one full window.
func (a *Adapter) CheckSequencer(feedID string, now int64) error {
	feed, ok := a.registry.sequencerFeed(feedID)
	if !ok {
		return fmt.Errorf("%w: unknown sequencer feed %q", types.ErrInvalidPriceFeed, feedID)
	}
	round, err := feed.LatestRoundData()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSequencerDown, err)
	}
	if round.Answer != nil && round.Answer.Sign() != 0 {
		return types.ErrSequencerDown
	}
	sinceUp := now - round.StartedAt
	if sinceUp < a.gracePeriod {
		return &types.StalenessError{Staleness: sinceUp, Max: a.gracePeriod}
	}
	return nil
}
