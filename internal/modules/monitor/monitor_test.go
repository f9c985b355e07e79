package monitor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/market"
	"github.com/mkarlis/gridtrader/internal/marketdata"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/execution"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
	"github.com/mkarlis/gridtrader/internal/modules/portfolio"
	gridtest "github.com/mkarlis/gridtrader/internal/testing"
)

type stubProvider struct {
	prices     map[string]decimal.Decimal
	closes     []marketdata.Close
	quoteCalls int
}

func (s *stubProvider) CurrentPrices(_ context.Context, symbols []string) (map[string]marketdata.Tick, error) {
	s.quoteCalls++
	out := make(map[string]marketdata.Tick)
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = marketdata.Tick{Symbol: sym, Price: p, ObservedAt: time.Now()}
		}
	}
	return out, nil
}

func (s *stubProvider) HistoricalCloses(_ context.Context, _ string, _ int) ([]marketdata.Close, error) {
	return s.closes, nil
}

type sinkRecorder struct {
	drafts []alerts.Draft
}

func (s *sinkRecorder) Emit(d alerts.Draft) (bool, error) {
	s.drafts = append(s.drafts, d)
	return true, nil
}

func (s *sinkRecorder) count(kind alerts.Kind) int {
	n := 0
	for _, d := range s.drafts {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	monitor    *Monitor
	grids      *grid.Repository
	portfolios *portfolio.Repository
	db         *database.DB
	data       *stubProvider
	sink       *sinkRecorder
}

func newFixture(t *testing.T) (*fixture, func()) {
	db, cleanup := gridtest.NewTestDB(t)
	grids := grid.NewRepository(db.Conn(), zerolog.Nop())
	portfolios := portfolio.NewRepository(db.Conn(), zerolog.Nop())
	trades := execution.NewTradeRepository(db.Conn(), zerolog.Nop())
	sink := &sinkRecorder{}
	data := &stubProvider{prices: make(map[string]decimal.Decimal)}
	engine := execution.NewEngine(db, grids, portfolios, trades, sink, nil, nil, zerolog.Nop())
	mon := New(db, grids, engine, data, sink, nil, Config{}, zerolog.Nop())
	return &fixture{monitor: mon, grids: grids, portfolios: portfolios, db: db, data: data, sink: sink}, cleanup
}

func (f *fixture) seedPortfolio(t *testing.T, cash int64) string {
	t.Helper()
	p := &portfolio.Portfolio{ID: uuid.New().String(), Name: "test", CashBalance: decimal.NewFromInt(cash), CreatedAt: time.Now()}
	require.NoError(t, f.portfolios.Create(p))
	return p.ID
}

func (f *fixture) seedGrid(t *testing.T, portfolioID, symbol string, lower, upper int64, levels int, investment int64, pNow decimal.Decimal, strategy grid.StrategyConfig) *grid.Grid {
	t.Helper()
	g := &grid.Grid{
		ID:               uuid.New().String(),
		PortfolioID:      portfolioID,
		Symbol:           symbol,
		Name:             "test grid",
		Market:           market.Classify(symbol),
		LowerPrice:       decimal.NewFromInt(lower),
		UpperPrice:       decimal.NewFromInt(upper),
		LevelCount:       levels,
		InvestmentAmount: decimal.NewFromInt(investment),
		Status:           grid.StatusActive,
		Strategy:         strategy,
		OverBoundaryQty:  decimal.Zero,
		RealizedProfit:   decimal.Zero,
		CreatedAt:        time.Now(),
	}

	orders, err := grid.BuildLadder(g, pNow, market.RulesFor(symbol).AllowsShort)
	require.NoError(t, err)

	require.NoError(t, database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
		return f.grids.CreateTx(tx, g, orders)
	}))
	return g
}

// tickNow is inside every market's trading window for the always-open OTHER
// classification used by the .X test symbols.
var tickNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestTickFillsGapAcrossLevels(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()
	pf := f.seedPortfolio(t, 100000)
	g := f.seedGrid(t, pf, "ACME.X", 90, 110, 10, 10000, decimal.NewFromInt(100),
		grid.StrategyConfig{Type: grid.StrategyStatic})

	// One tick gaps from 100 to 93: BUYs at 98, 96, 94 all fill
	f.data.prices["ACME.X"] = decimal.NewFromInt(93)
	require.NoError(t, f.monitor.Tick(context.Background(), tickNow))

	orders, err := f.grids.OrdersByGrid(g.ID)
	require.NoError(t, err)

	filledBuys := 0
	pendingSells := map[int]int{}
	for _, o := range orders {
		if o.Side == grid.SideBuy && o.State == grid.OrderFilled {
			filledBuys++
		}
		if o.Side == grid.SideSell && o.State == grid.OrderPending {
			pendingSells[o.LevelIndex]++
		}
	}
	assert.Equal(t, 3, filledBuys)

	// Each fill planted (or kept) exactly one SELL at the paired level
	for _, level := range []int{3, 4, 5} {
		assert.Equal(t, 1, pendingSells[level], "level %d", level)
	}

	assert.Equal(t, 3, f.sink.count(alerts.KindOrderFilled))
}

func TestTickSkipsClosedMarkets(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()
	pf := f.seedPortfolio(t, 100000)
	g := f.seedGrid(t, pf, "ACME", 90, 110, 10, 10000, decimal.NewFromInt(100),
		grid.StrategyConfig{Type: grid.StrategyStatic})

	f.data.prices["ACME"] = decimal.NewFromInt(93)

	// Saturday: the US market is closed, so the grid is not even quoted
	saturday := time.Date(2026, 8, 22, 15, 0, 0, 0, time.UTC)
	require.NoError(t, f.monitor.Tick(context.Background(), saturday))

	assert.Equal(t, 0, f.data.quoteCalls)

	pending, err := f.grids.PendingOrders(g.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 10)
}

func TestTickMarketDataGap(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()
	pf := f.seedPortfolio(t, 100000)
	g := f.seedGrid(t, pf, "ACME.X", 90, 110, 10, 10000, decimal.NewFromInt(100),
		grid.StrategyConfig{Type: grid.StrategyStatic})

	// Provider has nothing for this symbol
	require.NoError(t, f.monitor.Tick(context.Background(), tickNow))

	assert.Equal(t, 1, f.sink.count(alerts.KindMarketDataGap))

	pending, err := f.grids.PendingOrders(g.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 10)
}

func TestBoundaryClassification(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()
	pf := f.seedPortfolio(t, 1000000)
	f.seedGrid(t, pf, "ACME.X", 90, 110, 10, 10000, decimal.NewFromInt(100),
		grid.StrategyConfig{Type: grid.StrategyStatic})

	// Above the upper boundary
	f.data.prices["ACME.X"] = decimal.NewFromInt(112)
	require.NoError(t, f.monitor.Tick(context.Background(), tickNow))
	assert.Equal(t, 1, f.sink.count(alerts.KindPriceAboveRange))

	// Near the upper boundary from inside (buffer is 0.5% of price ~ 0.55)
	f.data.prices["ACME.X"] = decimal.RequireFromString("109.8")
	require.NoError(t, f.monitor.Tick(context.Background(), tickNow))
	assert.Equal(t, 1, f.sink.count(alerts.KindPriceNearBoundary))

	// Mid-range raises nothing
	before := len(f.sink.drafts)
	f.data.prices["ACME.X"] = decimal.NewFromInt(104)
	require.NoError(t, f.monitor.Tick(context.Background(), tickNow))
	for _, d := range f.sink.drafts[before:] {
		assert.NotContains(t, []alerts.Kind{
			alerts.KindPriceAboveRange, alerts.KindPriceBelowRange, alerts.KindPriceNearBoundary,
		}, d.Kind)
	}

	// Below the lower boundary
	f.data.prices["ACME.X"] = decimal.NewFromInt(88)
	require.NoError(t, f.monitor.Tick(context.Background(), tickNow))
	assert.Equal(t, 1, f.sink.count(alerts.KindPriceBelowRange))
}

func TestTickSuggestsRebalanceOnDrift(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()
	pf := f.seedPortfolio(t, 1000000)
	f.seedGrid(t, pf, "ACME.X", 90, 110, 10, 10000, decimal.NewFromInt(100),
		grid.StrategyConfig{
			Type:               grid.StrategyDynamic,
			Multiplier:         1,
			CenterPrice:        decimal.NewFromInt(100),
			RebalanceThreshold: 0.4,
		})

	// Drift 9 exceeds 0.4 * (110 - 90) = 8
	f.data.prices["ACME.X"] = decimal.NewFromInt(109)
	require.NoError(t, f.monitor.Tick(context.Background(), tickNow))

	assert.Equal(t, 1, f.sink.count(alerts.KindRebalanceSuggested))
}

func TestScanRebalanceReplansDriftedGrid(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()
	pf := f.seedPortfolio(t, 1000000)
	g := f.seedGrid(t, pf, "ACME.X", 90, 110, 10, 10000, decimal.NewFromInt(100),
		grid.StrategyConfig{
			Type:               grid.StrategyDynamic,
			Multiplier:         1,
			CenterPrice:        decimal.NewFromInt(100),
			RebalanceThreshold: 0.4,
		})

	// No history: sigma falls back to 0.20, bounds = 120 * (1 -/+ 0.20)
	f.data.prices["ACME.X"] = decimal.NewFromInt(120)
	require.NoError(t, f.monitor.ScanRebalance(context.Background(), tickNow))

	fresh, err := f.grids.GetByID(g.ID)
	require.NoError(t, err)
	assert.True(t, fresh.LowerPrice.Equal(decimal.NewFromInt(96)), "lower = %s", fresh.LowerPrice)
	assert.True(t, fresh.UpperPrice.Equal(decimal.NewFromInt(144)), "upper = %s", fresh.UpperPrice)
	assert.True(t, fresh.Strategy.CenterPrice.Equal(decimal.NewFromInt(120)))
	assert.True(t, fresh.Strategy.SigmaFallback)
	assert.NotNil(t, fresh.LastRebalancedAt)

	orders, err := f.grids.OrdersByGrid(g.ID)
	require.NoError(t, err)
	cancelled, pending := 0, 0
	for _, o := range orders {
		switch o.State {
		case grid.OrderCancelled:
			cancelled++
			assert.Equal(t, grid.CancelRebalanced, o.CancelReason)
		case grid.OrderPending:
			pending++
			// The new ladder lives inside the new bounds
			assert.True(t, o.LevelPrice.GreaterThanOrEqual(fresh.LowerPrice))
			assert.True(t, o.LevelPrice.LessThan(fresh.UpperPrice))
		}
	}
	assert.Equal(t, 10, cancelled)
	assert.Equal(t, 10, pending)

	assert.Equal(t, 1, f.sink.count(alerts.KindGridRebalanced))
}

func TestScanRebalanceIgnoresStaticAndUndrifted(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()
	pf := f.seedPortfolio(t, 1000000)

	static := f.seedGrid(t, pf, "ACME.X", 90, 110, 10, 10000, decimal.NewFromInt(100),
		grid.StrategyConfig{Type: grid.StrategyStatic})
	calm := f.seedGrid(t, pf, "BETA.X", 90, 110, 10, 10000, decimal.NewFromInt(100),
		grid.StrategyConfig{
			Type:               grid.StrategyDynamic,
			Multiplier:         1,
			CenterPrice:        decimal.NewFromInt(100),
			RebalanceThreshold: 0.4,
		})

	f.data.prices["ACME.X"] = decimal.NewFromInt(150)
	f.data.prices["BETA.X"] = decimal.NewFromInt(103)
	require.NoError(t, f.monitor.ScanRebalance(context.Background(), tickNow))

	for _, g := range []*grid.Grid{static, calm} {
		fresh, err := f.grids.GetByID(g.ID)
		require.NoError(t, err)
		assert.True(t, fresh.LowerPrice.Equal(decimal.NewFromInt(90)))
		assert.True(t, fresh.UpperPrice.Equal(decimal.NewFromInt(110)))
		assert.Nil(t, fresh.LastRebalancedAt)
	}
	assert.Equal(t, 0, f.sink.count(alerts.KindGridRebalanced))
}
