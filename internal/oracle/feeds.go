package oracle

import (
	"math/big"
	"math/rand"
	"sync"
	"time"
)

// StaticFeed is an in-memory feed whose round data is set explicitly. Used
// by tests and as the backing type for scripted scenarios.
type StaticFeed struct {
	mu           sync.Mutex
	round        RoundData
	feedDecimals uint8
	err          error
}

func NewStaticFeed(decimals uint8) *StaticFeed {
	return &StaticFeed{feedDecimals: decimals}
}

func (f *StaticFeed) SetRound(roundID uint64, answer *big.Int, updatedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round = RoundData{RoundID: roundID, Answer: answer, StartedAt: updatedAt, UpdatedAt: updatedAt}
}

func (f *StaticFeed) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StaticFeed) LatestRoundData() (RoundData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return RoundData{}, f.err
	}
	return f.round, nil
}

func (f *StaticFeed) Decimals() uint8 { return f.feedDecimals }

// StaticSequencerFeed reports a fixed liveness status.
type StaticSequencerFeed struct {
	mu sync.Mutex
	// down is reported as a nonzero answer.
	down bool
	// transitionAt is when the status last changed.
	transitionAt int64
}

func NewStaticSequencerFeed(down bool, transitionAt int64) *StaticSequencerFeed {
	return &StaticSequencerFeed{down: down, transitionAt: transitionAt}
}

func (f *StaticSequencerFeed) SetStatus(down bool, transitionAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
	f.transitionAt = transitionAt
}

func (f *StaticSequencerFeed) LatestRoundData() (RoundData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	answer := big.NewInt(0)
	if f.down {
		answer = big.NewInt(1)
	}
	return RoundData{RoundID: 1, Answer: answer, StartedAt: f.transitionAt, UpdatedAt: f.transitionAt}, nil
}

// RandomWalkFeed simulates a live price feed for local running and the
// scheduler demo. Each read advances the price by a bounded random step.
type RandomWalkFeed struct {
	mu           sync.Mutex
	price        *big.Int
	feedDecimals uint8
	maxStepBps   int64
	roundID      uint64
	rng          *rand.Rand
}

func NewRandomWalkFeed(startPrice *big.Int, decimals uint8, maxStepBps int64) *RandomWalkFeed {
	return &RandomWalkFeed{
		price:        new(big.Int).Set(startPrice),
		feedDecimals: decimals,
		maxStepBps:   maxStepBps,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *RandomWalkFeed) LatestRoundData() (RoundData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stepBps := f.rng.Int63n(2*f.maxStepBps+1) - f.maxStepBps
	delta := new(big.Int).Mul(f.price, big.NewInt(stepBps))
	delta.Quo(delta, big.NewInt(10_000))
	f.price.Add(f.price, delta)
	if f.price.Sign() <= 0 {
		f.price.SetInt64(1)
	}
	f.roundID++

	now := time.Now().Unix()
	return RoundData{
		RoundID:   f.roundID,
		Answer:    new(big.Int).Set(f.price),
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

func (f *RandomWalkFeed) Decimals() uint8 { return f.feedDecimals }
