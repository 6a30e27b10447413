package orders

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
	"github.com/ksred/twap-gate/internal/types"
	"github.com/ksred/twap-gate/internal/volatility"
)

func testService(t *testing.T) (*Service, *oracle.StaticFeed) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	registry := oracle.NewRegistry()
	feed := oracle.NewStaticFeed(8)
	feed.SetRound(1, big.NewInt(2000_00000000), 1_000_000)
	registry.RegisterPriceFeed("ETH-USD", feed)
	adapter := oracle.NewAdapter(registry, 0)

	vol := volatility.NewStore(db, volatility.DefaultCapacity)
	return NewService(db, adapter, vol), feed
}

func validParams(orderID string) *types.OrderParameters {
	return &types.OrderParameters{
		OrderID:       orderID,
		Maker:         "0xmaker",
		MakingAmount:  "10000000",
		TakingAmount:  "20000000",
		TotalChunks:   5,
		ChunkInterval: 300,
		StartTime:     1_000_000,
		EndTime:       1_100_000,
		MinChunkSize:  "1000000",
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *types.OrderParameters)
	}{
		{"zero chunks", func(p *types.OrderParameters) { p.TotalChunks = 0 }},
		{"no interval outside continuous mode", func(p *types.OrderParameters) { p.ChunkInterval = 0 }},
		{"start after end", func(p *types.OrderParameters) { p.StartTime = p.EndTime }},
		{"zero making amount", func(p *types.OrderParameters) { p.MakingAmount = "0" }},
		{"garbage making amount", func(p *types.OrderParameters) { p.MakingAmount = "12x4" }},
		{"missing order id", func(p *types.OrderParameters) { p.OrderID = "" }},
		{"volatility band inverted", func(p *types.OrderParameters) {
			p.VolatilityGated = true
			p.MinVolatilityBps = 500
			p.MaxVolatilityBps = 500
			p.PriceFeedID = "ETH-USD"
			p.MaxPriceStaleness = 3600
		}},
		{"volatility without feed", func(p *types.OrderParameters) {
			p.VolatilityGated = true
			p.MaxVolatilityBps = 1000
			p.MaxPriceStaleness = 3600
		}},
		{"volatility without staleness bound", func(p *types.OrderParameters) {
			p.VolatilityGated = true
			p.MaxVolatilityBps = 1000
			p.PriceFeedID = "ETH-USD"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, _ := testService(t)
			params := validParams("0xabc")
			tt.mutate(params)
			err := service.Register(params, 1_000_000)
			assert.ErrorIs(t, err, types.ErrInvalidParameters)
		})
	}
}

func TestRegisterIsWriteOnce(t *testing.T) {
	service, _ := testService(t)

	require.NoError(t, service.Register(validParams("0xabc"), 1_000_000))
	err := service.Register(validParams("0xabc"), 1_000_001)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	// A different identifier is fine.
	assert.NoError(t, service.Register(validParams("0xdef"), 1_000_001))
}

func TestRegisterCreatesZeroExecutionState(t *testing.T) {
	service, _ := testService(t)
	require.NoError(t, service.Register(validParams("0xabc"), 1_000_000))

	params, state, err := service.GetOrder("0xabc")
	require.NoError(t, err)
	require.NotNil(t, params)
	require.NotNil(t, state)
	assert.True(t, params.Initialized)
	assert.Zero(t, state.ExecutedChunks)
	assert.Equal(t, "0", state.TotalSold)
	assert.Equal(t, "0", state.TotalBought)
}

func TestRegisterSeedsVolatilityState(t *testing.T) {
	service, _ := testService(t)

	params := validParams("0xabc")
	params.VolatilityGated = true
	params.MinVolatilityBps = 100
	params.MaxVolatilityBps = 50_000
	params.LookbackWindow = 86400
	params.PriceFeedID = "ETH-USD"
	params.MaxPriceStaleness = 3600
	require.NoError(t, service.Register(params, 1_000_000))

	points, vol, err := service.History("0xabc")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Zero(t, vol)
	assert.Equal(t, "0", points[0].Return)
	assert.Equal(t, int64(1_000_000), points[0].ObservedAt)
}

func TestRegisterGatedFailsWithoutValidRound(t *testing.T) {
	service, feed := testService(t)
	feed.SetRound(0, big.NewInt(0), 0)

	params := validParams("0xabc")
	params.VolatilityGated = true
	params.MaxVolatilityBps = 1000
	params.PriceFeedID = "ETH-USD"
	params.MaxPriceStaleness = 3600
	err := service.Register(params, 1_000_000)
	assert.ErrorIs(t, err, types.ErrInvalidPriceFeed)

	// The rolled-back registration left nothing behind.
	p, _, err := service.GetOrder("0xabc")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRecordExecutionAccumulates(t *testing.T) {
	service, _ := testService(t)
	require.NoError(t, service.Register(validParams("0xabc"), 1_000_000))

	state, err := service.RecordExecution(service.gormDB, "0xabc", big.NewInt(2_000_000), big.NewInt(4_000_000), 1_000_300)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), state.ExecutedChunks)
	assert.Equal(t, int64(1_000_300), state.LastExecutionTime)
	assert.Equal(t, "2000000", state.TotalSold)

	state, err = service.RecordExecution(service.gormDB, "0xabc", big.NewInt(3_000_000), big.NewInt(6_000_000), 1_000_601)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), state.ExecutedChunks)
	assert.Equal(t, "5000000", state.TotalSold)
	assert.Equal(t, "10000000", state.TotalBought)

	fills, err := service.db.GetFills("0xabc")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "2000000", fills[0].SoldAmount)
	assert.Equal(t, "3000000", fills[1].SoldAmount)
}
