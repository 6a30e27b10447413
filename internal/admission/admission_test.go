package admission

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/twap-gate/internal/database"
	"github.com/ksred/twap-gate/internal/oracle"
	"github.com/ksred/twap-gate/internal/orders"
	"github.com/ksred/twap-gate/internal/types"
	"github.com/ksred/twap-gate/internal/volatility"
)

const (
	t0    = int64(1_000_000)
	maker = "0xmaker"
)

type testEnv struct {
	engine *Engine
	orders *orders.Service
	vol    *volatility.Store
	feed   *oracle.StaticFeed
	seq    *oracle.StaticSequencerFeed
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	registry := oracle.NewRegistry()
	feed := oracle.NewStaticFeed(8)
	feed.SetRound(1, price8(100, 0), t0)
	registry.RegisterPriceFeed("ETH-USD", feed)
	seq := oracle.NewStaticSequencerFeed(false, 0)
	registry.RegisterSequencerFeed("sequencer-uptime", seq)
	adapter := oracle.NewAdapter(registry, oracle.DefaultGracePeriod)

	vol := volatility.NewStore(db, volatility.DefaultCapacity)
	ordersService := orders.NewService(db, adapter, vol)
	engine := NewEngine(db, ordersService, adapter, vol, DefaultConfig())

	return &testEnv{engine: engine, orders: ordersService, vol: vol, feed: feed, seq: seq}
}

// price8 builds an 8-decimal raw price from whole units and hundredths.
func price8(units, hundredths int64) *big.Int {
	v := big.NewInt(units)
	v.Mul(v, big.NewInt(100_000_000))
	return v.Add(v, big.NewInt(hundredths*1_000_000))
}

func (env *testEnv) register(t *testing.T, id string, mutate func(*types.OrderParameters)) *types.OrderParameters {
	t.Helper()
	params := &types.OrderParameters{
		OrderID:       id,
		Maker:         maker,
		MakingAmount:  "10000000000",
		TakingAmount:  "20000000000",
		TotalChunks:   5,
		ChunkInterval: 300,
		StartTime:     t0 - 10,
		EndTime:       t0 + 1_000_000,
		MinChunkSize:  "1",
	}
	if mutate != nil {
		mutate(params)
	}
	require.NoError(t, env.orders.Register(params, t0))
	return params
}

func gated(minBps, maxBps uint64) func(*types.OrderParameters) {
	return func(p *types.OrderParameters) {
		p.VolatilityGated = true
		p.MinVolatilityBps = minBps
		p.MaxVolatilityBps = maxBps
		p.LookbackWindow = 86400
		p.PriceFeedID = "ETH-USD"
		p.MaxPriceStaleness = 3600
	}
}

// prepVolatility drives the ring buffer of an order to a realized volatility
// of 13236 bps: +1% then -1% returns at hourly spacing.
func (env *testEnv) prepVolatility(t *testing.T, id string) {
	t.Helper()
	_, _, err := env.vol.Record(id, price8(101, 0), 8, 86400, t0+3600)
	require.NoError(t, err)
	vol, _, err := env.vol.Record(id, price8(99, 99), 8, 86400, t0+7200)
	require.NoError(t, err)
	require.Equal(t, uint64(13236), vol)
}

func chunk() *big.Int { return big.NewInt(2_000_000_000) }

func TestUnmanagedOrderPassesThrough(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.engine.Admit("0xunknown", "0xanyone", big.NewInt(1), big.NewInt(1), t0))
}

func TestLifecycleGates(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", nil)

	err := env.engine.Admit("0xabc", maker, chunk(), nil, t0-100)
	assert.ErrorIs(t, err, types.ErrTooEarlyToExecute)

	err = env.engine.Admit("0xabc", maker, chunk(), nil, t0+1_000_001)
	assert.ErrorIs(t, err, types.ErrTooLateToExecute)
}

func TestAllChunksExecuted(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", func(p *types.OrderParameters) { p.TotalChunks = 1 })

	require.NoError(t, env.engine.Admit("0xabc", maker, big.NewInt(10_000_000_000), nil, t0))
	completed, err := env.engine.RecordCompletion("0xabc", big.NewInt(10_000_000_000), big.NewInt(1), nil, t0)
	require.NoError(t, err)
	assert.True(t, completed)

	err = env.engine.Admit("0xabc", maker, big.NewInt(1), nil, t0+400)
	assert.ErrorIs(t, err, types.ErrAllChunksExecuted)
}

func TestSpacingEnforcement(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", nil)

	require.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0))
	_, err := env.engine.RecordCompletion("0xabc", chunk(), big.NewInt(1), nil, t0)
	require.NoError(t, err)

	err = env.engine.Admit("0xabc", maker, chunk(), nil, t0+100)
	assert.ErrorIs(t, err, types.ErrTooEarlyToExecute)

	assert.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0+301))
}

func TestSpacingFloorOverrideForGatedOrders(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", gated(0, 5_000_000))

	env.feed.SetRound(2, price8(100, 50), t0+10)
	require.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0+10))
	_, err := env.engine.RecordCompletion("0xabc", chunk(), big.NewInt(1), nil, t0+10)
	require.NoError(t, err)

	// 30s later: under the 60s floor even though well under the 300s
	// configured interval.
	env.feed.SetRound(3, price8(100, 60), t0+40)
	err = env.engine.Admit("0xabc", maker, chunk(), nil, t0+40)
	assert.ErrorIs(t, err, types.ErrTooEarlyToExecute)

	// 61s later: the floor replaces the configured interval entirely.
	env.feed.SetRound(4, price8(100, 70), t0+71)
	assert.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0+71))
}

func TestContinuousModeSkipsSpacing(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", func(p *types.OrderParameters) {
		p.ContinuousMode = true
		p.ChunkInterval = 0
	})

	require.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0))
	_, err := env.engine.RecordCompletion("0xabc", chunk(), big.NewInt(1), nil, t0)
	require.NoError(t, err)

	assert.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0+1))
}

func TestVolatilityTooLow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", gated(14_000, 20_000))
	env.prepVolatility(t, "0xabc")

	env.feed.SetRound(5, price8(99, 99), t0+10800)
	err := env.engine.Admit("0xabc", maker, chunk(), nil, t0+10800)
	require.ErrorIs(t, err, types.ErrVolatilityTooLow)

	var band *types.VolatilityBandError
	require.ErrorAs(t, err, &band)
	assert.Equal(t, uint64(13236), band.CurrentBps)
	assert.Equal(t, uint64(14_000), band.BoundBps)

	// The observation recorded on the way to the failing gate was rolled
	// back with the rest of the attempt.
	points, _, err := env.orders.History("0xabc")
	require.NoError(t, err)
	assert.Len(t, points, 3)
}

func TestVolatilityTooHigh(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", gated(0, 10_000))
	env.prepVolatility(t, "0xabc")

	env.feed.SetRound(5, price8(99, 99), t0+10800)
	err := env.engine.Admit("0xabc", maker, chunk(), nil, t0+10800)
	require.ErrorIs(t, err, types.ErrVolatilityTooHigh)

	var band *types.VolatilityBandError
	require.ErrorAs(t, err, &band)
	assert.Equal(t, uint64(13236), band.CurrentBps)
	assert.True(t, band.TooHigh)
}

func TestStalePriceFeedRejected(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", gated(0, 5_000_000))

	// Round is 3601s old against a 3600s bound.
	err := env.engine.Admit("0xabc", maker, chunk(), nil, t0+3601)
	require.ErrorIs(t, err, types.ErrPriceFeedStale)

	var stale *types.StalenessError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(3601), stale.Staleness)
}

func TestSequencerGate(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", func(p *types.OrderParameters) {
		gated(0, 5_000_000)(p)
		p.SequencerFeedID = "sequencer-uptime"
	})

	env.feed.SetRound(2, price8(100, 50), t0+100)

	env.seq.SetStatus(true, t0)
	assert.ErrorIs(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0+100), types.ErrSequencerDown)

	// Freshly recovered: still untrusted for a full grace window.
	env.seq.SetStatus(false, t0)
	assert.ErrorIs(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0+100), types.ErrPriceFeedStale)

	env.seq.SetStatus(false, t0-2*oracle.DefaultGracePeriod)
	assert.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0+100))
}

func TestChunkTooSmall(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", func(p *types.OrderParameters) {
		p.MakingAmount = "10000000"
		p.TotalChunks = 10
		p.MinChunkSize = "500000"
	})

	// Below both the absolute minimum and the expected chunk size.
	err := env.engine.Admit("0xabc", maker, big.NewInt(400_000), nil, t0)
	assert.ErrorIs(t, err, types.ErrChunkTooSmall)

	// Meeting the absolute minimum alone is sufficient, even under the
	// expected 1_000_000.
	assert.NoError(t, env.engine.Admit("0xabc", maker, big.NewInt(600_000), nil, t0))

	// Meeting the expected size alone is sufficient too.
	env2 := newTestEnv(t)
	env2.register(t, "0xdef", func(p *types.OrderParameters) {
		p.MakingAmount = "10000000"
		p.TotalChunks = 10
		p.MinChunkSize = "5000000"
	})
	assert.NoError(t, env2.engine.Admit("0xdef", maker, big.NewInt(1_000_000), nil, t0))
}

func TestPriceImpactGate(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", func(p *types.OrderParameters) {
		p.MakingAmount = "100"
		p.TakingAmount = "200"
		p.MaxPriceImpactBps = 500
		p.MinChunkSize = "1"
	})

	// Expected bought for 10 sold is 20 at the quoted rate. 21 is exactly
	// 500 bps off: at the ceiling, not over it.
	assert.NoError(t, env.engine.Admit("0xabc", maker, big.NewInt(10), big.NewInt(21), t0))

	err := env.engine.Admit("0xabc", maker, big.NewInt(10), big.NewInt(22), t0)
	require.ErrorIs(t, err, types.ErrPriceImpactTooHigh)
	var impact *types.PriceImpactError
	require.ErrorAs(t, err, &impact)
	assert.Equal(t, uint64(1000), impact.ImpactBps)

	// Zero proposed bought defers to the quoted rate.
	assert.NoError(t, env.engine.Admit("0xabc", maker, big.NewInt(10), big.NewInt(0), t0))
}

func TestUnauthorizedTakerLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", gated(0, 5_000_000))

	env.feed.SetRound(2, price8(100, 50), t0+100)
	err := env.engine.Admit("0xabc", "0xoutsider", chunk(), nil, t0+100)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	// The failed attempt must not have written the price observation it
	// recorded before reaching the authorization gate.
	points, _, err := env.orders.History("0xabc")
	require.NoError(t, err)
	assert.Len(t, points, 1)

	_, state, err := env.orders.GetOrder("0xabc")
	require.NoError(t, err)
	assert.Zero(t, state.ExecutedChunks)
	assert.Equal(t, "0", state.TotalSold)

	// Allow-listing the taker fixes it, and the observation commits.
	require.NoError(t, env.engine.AuthorizeTaker("0xoutsider"))
	require.NoError(t, env.engine.Admit("0xabc", "0xoutsider", chunk(), nil, t0+100))
	points, _, err = env.orders.History("0xabc")
	require.NoError(t, err)
	assert.Len(t, points, 2)

	// And deauthorizing revokes access again.
	require.NoError(t, env.engine.DeauthorizeTaker("0xoutsider"))
	err = env.engine.Admit("0xabc", "0xoutsider", chunk(), nil, t0+200)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestPauseRejectsEverythingFirst(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", nil)

	require.NoError(t, env.engine.Pause())

	// Even unmanaged pass-through orders are rejected while paused.
	assert.ErrorIs(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0), types.ErrPaused)
	assert.ErrorIs(t, env.engine.Admit("0xunknown", maker, chunk(), nil, t0), types.ErrPaused)

	preview, err := env.engine.Preview("0xabc", t0)
	require.NoError(t, err)
	assert.False(t, preview.CanExecute)
	assert.Equal(t, "admissions paused", preview.Reason)

	require.NoError(t, env.engine.Resume())
	assert.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0))
}

func TestAdaptiveFactorInterpolation(t *testing.T) {
	assert.Equal(t, uint64(10_000), adaptiveFactorBps(1000, 1000, 2000, 5000))
	assert.Equal(t, uint64(10_000), adaptiveFactorBps(500, 1000, 2000, 5000))
	assert.Equal(t, uint64(5000), adaptiveFactorBps(2000, 1000, 2000, 5000))
	assert.Equal(t, uint64(5000), adaptiveFactorBps(9999, 1000, 2000, 5000))
	assert.Equal(t, uint64(7500), adaptiveFactorBps(1500, 1000, 2000, 5000))
	assert.Equal(t, uint64(8750), adaptiveFactorBps(1250, 1000, 2000, 5000))
}

func TestAdaptiveSizingBoundaries(t *testing.T) {
	env := newTestEnv(t)

	// Volatility exactly at the minimum: full base size.
	env.register(t, "0xmin", func(p *types.OrderParameters) {
		gated(13_236, 20_000)(p)
		p.AdaptiveChunkSize = true
	})
	env.prepVolatility(t, "0xmin")
	preview, err := env.engine.Preview("0xmin", t0+10800)
	require.NoError(t, err)
	assert.True(t, preview.CanExecute)
	assert.Equal(t, "2000000000", preview.ExpectedChunk)

	// Volatility exactly at the maximum: floored at 50% of base.
	env.feed.SetRound(10, price8(100, 0), t0)
	env.register(t, "0xmax", func(p *types.OrderParameters) {
		gated(10_000, 13_236)(p)
		p.AdaptiveChunkSize = true
	})
	env.prepVolatility(t, "0xmax")
	preview, err = env.engine.Preview("0xmax", t0+10800)
	require.NoError(t, err)
	assert.True(t, preview.CanExecute)
	assert.Equal(t, "1000000000", preview.ExpectedChunk)

	// Midway: linear interpolation.
	env.register(t, "0xmid", func(p *types.OrderParameters) {
		gated(13_000, 13_472)(p)
		p.AdaptiveChunkSize = true
	})
	env.prepVolatility(t, "0xmid")
	preview, err = env.engine.Preview("0xmid", t0+10800)
	require.NoError(t, err)
	assert.True(t, preview.CanExecute)
	assert.Equal(t, "1500000000", preview.ExpectedChunk)
}

func TestPreviewReportsNextEligible(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xabc", func(p *types.OrderParameters) { p.StartTime = t0 + 500 })

	preview, err := env.engine.Preview("0xabc", t0)
	require.NoError(t, err)
	assert.False(t, preview.CanExecute)
	assert.Equal(t, t0+500, preview.NextEligible)

	require.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, t0+500))
	_, err = env.engine.RecordCompletion("0xabc", chunk(), big.NewInt(1), nil, t0+500)
	require.NoError(t, err)

	preview, err = env.engine.Preview("0xabc", t0+600)
	require.NoError(t, err)
	assert.False(t, preview.CanExecute)
	assert.Equal(t, t0+800, preview.NextEligible)
}

func TestEndToEndExecution(t *testing.T) {
	env := newTestEnv(t)

	var completions []string
	env.engine.OnCompletion = func(orderID string) {
		completions = append(completions, orderID)
	}

	env.register(t, "0xabc", func(p *types.OrderParameters) {
		p.MinChunkSize = "1000000000" // total / 10
	})

	now := t0
	for i := 0; i < 5; i++ {
		require.NoError(t, env.engine.Admit("0xabc", maker, chunk(), nil, now), "chunk %d", i)
		completed, err := env.engine.RecordCompletion("0xabc", chunk(), big.NewInt(4_000_000_000), nil, now)
		require.NoError(t, err)
		assert.Equal(t, i == 4, completed, "chunk %d", i)
		now += 301
	}

	_, state, err := env.orders.GetOrder("0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), state.ExecutedChunks)
	assert.Equal(t, "10000000000", state.TotalSold)
	assert.Equal(t, "20000000000", state.TotalBought)

	// Completion signal fired exactly once, on the final chunk.
	assert.Equal(t, []string{"0xabc"}, completions)

	err = env.engine.Admit("0xabc", maker, chunk(), nil, now)
	assert.ErrorIs(t, err, types.ErrAllChunksExecuted)
}
