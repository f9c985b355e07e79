package grid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlis/gridtrader/internal/market"
	"github.com/mkarlis/gridtrader/internal/marketdata"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/portfolio"
	gridtest "github.com/mkarlis/gridtrader/internal/testing"
)

// stubProvider serves fixed prices and closes
type stubProvider struct {
	prices map[string]decimal.Decimal
	closes []marketdata.Close
}

func (s *stubProvider) CurrentPrices(_ context.Context, symbols []string) (map[string]marketdata.Tick, error) {
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

func newTestPlanner(t *testing.T, data *stubProvider) (*Planner, *Repository, *sinkRecorder, func()) {
	db, cleanup := gridtest.NewTestDB(t)
	repo := NewRepository(db.Conn(), zerolog.Nop())
	portfolios := portfolio.NewRepository(db.Conn(), zerolog.Nop())
	sink := &sinkRecorder{}
	planner := NewPlanner(db, repo, portfolios, data, sink, nil, zerolog.Nop())
	return planner, repo, sink, cleanup
}

func seedPortfolio(t *testing.T, repo *Repository) string {
	t.Helper()
	_, err := repo.db.Exec(`INSERT INTO portfolios (id, name, cash_balance, created_at) VALUES ('pf-1', 'test', '100000', ?)`,
		time.Now().Unix())
	require.NoError(t, err)
	return "pf-1"
}

func staticRequest(portfolioID string) PlanRequest {
	return PlanRequest{
		PortfolioID:      portfolioID,
		Symbol:           "ACME",
		Name:             "acme grid",
		LowerPrice:       decimal.NewFromInt(90),
		UpperPrice:       decimal.NewFromInt(110),
		LevelCount:       10,
		InvestmentAmount: decimal.NewFromInt(10000),
	}
}

func TestPlanUSStaticLadder(t *testing.T) {
	data := &stubProvider{prices: map[string]decimal.Decimal{"ACME": decimal.NewFromInt(100)}}
	planner, repo, sink, cleanup := newTestPlanner(t, data)
	defer cleanup()
	pf := seedPortfolio(t, repo)

	g, err := planner.Plan(context.Background(), staticRequest(pf))
	require.NoError(t, err)
	assert.Equal(t, market.MarketUS, g.Market)
	assert.True(t, g.Spacing().Equal(decimal.NewFromInt(2)))

	orders, err := repo.OrdersByGrid(g.ID)
	require.NoError(t, err)
	require.Len(t, orders, 10)

	// BUYs strictly below 100 (levels 90..98), SELLs at 100 and above (100..108).
	// Upper (110) is a boundary, never an orderable level.
	var buyPrices, sellPrices []string
	for _, o := range orders {
		assert.Equal(t, OrderPending, o.State)
		switch o.Side {
		case SideBuy:
			buyPrices = append(buyPrices, o.LevelPrice.String())
		case SideSell:
			sellPrices = append(sellPrices, o.LevelPrice.String())
		}
	}
	assert.Equal(t, []string{"90", "92", "94", "96", "98"}, buyPrices)
	assert.Equal(t, []string{"100", "102", "104", "106", "108"}, sellPrices)

	// Capital per level = 10000/10; quantity = 1000 / level price
	for _, o := range orders {
		expected := decimal.NewFromInt(1000).Div(o.LevelPrice).Round(QtyPrecision)
		assert.True(t, o.Quantity.Equal(expected), "level %d quantity", o.LevelIndex)
	}

	require.Len(t, sink.drafts, 1)
	assert.Equal(t, alerts.KindGridCreated, sink.drafts[0].Kind)
}

func TestPlanChinaNoShortLadder(t *testing.T) {
	data := &stubProvider{prices: map[string]decimal.Decimal{"600298.SS": decimal.NewFromInt(40)}}
	planner, repo, _, cleanup := newTestPlanner(t, data)
	defer cleanup()
	pf := seedPortfolio(t, repo)

	g, err := planner.Plan(context.Background(), PlanRequest{
		PortfolioID:      pf,
		Symbol:           "600298.SS",
		Name:             "china grid",
		LowerPrice:       decimal.NewFromInt(36),
		UpperPrice:       decimal.NewFromInt(44),
		LevelCount:       8,
		InvestmentAmount: decimal.NewFromInt(800000),
	})
	require.NoError(t, err)
	assert.Equal(t, market.MarketCNShanghai, g.Market)

	orders, err := repo.OrdersByGrid(g.ID)
	require.NoError(t, err)
	require.Len(t, orders, 4, "only the BUY side below p_now is placed")

	// 4 BUY levels at 36..39, each sized from 800000/4 = 200000
	for _, o := range orders {
		assert.Equal(t, SideBuy, o.Side)
		assert.True(t, o.LevelPrice.LessThan(decimal.NewFromInt(40)))
		expected := decimal.NewFromInt(200000).Div(o.LevelPrice).Round(QtyPrecision)
		assert.True(t, o.Quantity.Equal(expected))
	}
}

func TestPlanValidationErrors(t *testing.T) {
	data := &stubProvider{prices: map[string]decimal.Decimal{"ACME": decimal.NewFromInt(100)}}
	planner, repo, _, cleanup := newTestPlanner(t, data)
	defer cleanup()
	pf := seedPortfolio(t, repo)

	tests := []struct {
		name     string
		mutate   func(*PlanRequest)
		wantCode string
	}{
		{"upper below lower", func(r *PlanRequest) { r.UpperPrice = decimal.NewFromInt(80) }, ErrInvalidBounds},
		{"zero lower", func(r *PlanRequest) { r.LowerPrice = decimal.Zero; r.UpperPrice = decimal.NewFromInt(10) }, ErrInvalidBounds},
		{"too few levels", func(r *PlanRequest) { r.LevelCount = 1 }, ErrInvalidLevels},
		{"too many levels", func(r *PlanRequest) { r.LevelCount = 201 }, ErrInvalidLevels},
		{"zero capital", func(r *PlanRequest) { r.InvestmentAmount = decimal.Zero }, ErrInvalidCapital},
		{"unknown symbol", func(r *PlanRequest) { r.Symbol = "NOPE" }, ErrSymbolUnresolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := staticRequest(pf)
			tt.mutate(&req)

			_, err := planner.Plan(context.Background(), req)
			var planErr *PlanError
			require.True(t, errors.As(err, &planErr), "expected PlanError, got %v", err)
			assert.Equal(t, tt.wantCode, planErr.Code)
		})
	}
}

func TestPlanUnknownPortfolio(t *testing.T) {
	data := &stubProvider{prices: map[string]decimal.Decimal{"ACME": decimal.NewFromInt(100)}}
	planner, repo, _, cleanup := newTestPlanner(t, data)
	defer cleanup()

	_, err := planner.Plan(context.Background(), staticRequest("no-such-portfolio"))
	var planErr *PlanError
	require.True(t, errors.As(err, &planErr), "expected PlanError, got %v", err)
	assert.Equal(t, ErrUnknownPortfolio, planErr.Code)

	// Nothing persisted
	grids, err := repo.List(ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, grids)
}

func TestPlanDynamicBoundsFromVolatility(t *testing.T) {
	closes := make([]marketdata.Close, 0, 60)
	price := 100.0
	day := time.Now().AddDate(0, 0, -60)
	for i := 0; i < 60; i++ {
		// Alternate small up/down moves for a non-zero stddev
		if i%2 == 0 {
			price *= 1.01
		} else {
			price *= 0.99
		}
		closes = append(closes, marketdata.Close{Date: day.AddDate(0, 0, i), Close: decimal.NewFromFloat(price)})
	}

	data := &stubProvider{
		prices: map[string]decimal.Decimal{"ACME": decimal.NewFromInt(100)},
		closes: closes,
	}
	planner, repo, _, cleanup := newTestPlanner(t, data)
	defer cleanup()
	pf := seedPortfolio(t, repo)

	g, err := planner.Plan(context.Background(), PlanRequest{
		PortfolioID:      pf,
		Symbol:           "ACME",
		Name:             "dynamic grid",
		LevelCount:       10,
		InvestmentAmount: decimal.NewFromInt(10000),
		Strategy: StrategyConfig{
			Type:         StrategyDynamic,
			Multiplier:   1.5,
			LookbackDays: 60,
		},
	})
	require.NoError(t, err)

	assert.True(t, g.LowerPrice.IsPositive())
	assert.True(t, g.UpperPrice.GreaterThan(g.LowerPrice))
	assert.True(t, g.Strategy.CenterPrice.Equal(decimal.NewFromInt(100)))
	assert.False(t, g.Strategy.SigmaFallback)
	assert.Greater(t, g.Strategy.Volatility, 0.0)
}

func TestPlanDynamicSigmaFallback(t *testing.T) {
	data := &stubProvider{prices: map[string]decimal.Decimal{"ACME": decimal.NewFromInt(100)}}
	planner, repo, _, cleanup := newTestPlanner(t, data)
	defer cleanup()
	pf := seedPortfolio(t, repo)

	req := PlanRequest{
		PortfolioID:      pf,
		Symbol:           "ACME",
		Name:             "dynamic grid",
		LevelCount:       10,
		InvestmentAmount: decimal.NewFromInt(10000),
		Strategy:         StrategyConfig{Type: StrategyDynamic, Multiplier: 1},
	}

	g, err := planner.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, g.Strategy.SigmaFallback, "thin history must fall back and annotate")

	// lower = 100*(1-0.20), upper = 100*(1+0.20)
	assert.True(t, g.LowerPrice.Equal(decimal.NewFromInt(80)))
	assert.True(t, g.UpperPrice.Equal(decimal.NewFromInt(120)))

	// With the fallback disabled, the same request is fatal
	planner.AllowSigmaFallback = false
	_, err = planner.Plan(context.Background(), req)
	var planErr *PlanError
	require.True(t, errors.As(err, &planErr))
	assert.Equal(t, ErrInsufficientHistory, planErr.Code)
}

func TestDeleteCancelsPendingKeepsGridRow(t *testing.T) {
	data := &stubProvider{prices: map[string]decimal.Decimal{"ACME": decimal.NewFromInt(100)}}
	planner, repo, _, cleanup := newTestPlanner(t, data)
	defer cleanup()
	pf := seedPortfolio(t, repo)

	g, err := planner.Plan(context.Background(), staticRequest(pf))
	require.NoError(t, err)

	require.NoError(t, planner.Delete(g.ID))

	got, err := repo.GetByID(g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	pending, err := repo.PendingOrders(g.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	orders, err := repo.OrdersByGrid(g.ID)
	require.NoError(t, err)
	for _, o := range orders {
		assert.Equal(t, OrderCancelled, o.State)
		assert.Equal(t, CancelGridDeleted, o.CancelReason)
	}
}

func TestShouldRebalanceDrift(t *testing.T) {
	g := &Grid{
		LowerPrice: decimal.NewFromInt(80),
		UpperPrice: decimal.NewFromInt(120),
		LevelCount: 10,
		Strategy: StrategyConfig{
			Type:               StrategyDynamic,
			CenterPrice:        decimal.NewFromInt(100),
			RebalanceThreshold: 0.4,
		},
	}

	// Threshold distance = 0.4 * 40 = 16
	assert.False(t, ShouldRebalance(g, decimal.NewFromInt(110)))
	assert.True(t, ShouldRebalance(g, decimal.NewFromInt(119)))
	assert.True(t, ShouldRebalance(g, decimal.NewFromInt(83)))

	g.Strategy.Type = StrategyStatic
	assert.False(t, ShouldRebalance(g, decimal.NewFromInt(119)), "STATIC grids never rebalance")
}
