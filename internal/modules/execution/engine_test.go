package execution

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
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
	"github.com/mkarlis/gridtrader/internal/modules/portfolio"
	gridtest "github.com/mkarlis/gridtrader/internal/testing"
)

type sinkRecorder struct {
	drafts []alerts.Draft
}

func (s *sinkRecorder) Emit(d alerts.Draft) (bool, error) {
	s.drafts = append(s.drafts, d)
	return true, nil
}

func (s *sinkRecorder) kinds() []alerts.Kind {
	out := make([]alerts.Kind, 0, len(s.drafts))
	for _, d := range s.drafts {
		out = append(out, d.Kind)
	}
	return out
}

type fixture struct {
	engine     *Engine
	grids      *grid.Repository
	portfolios *portfolio.Repository
	db         *database.DB
	sink       *sinkRecorder
}

func newFixture(t *testing.T, milestones []decimal.Decimal) (*fixture, func()) {
	db, cleanup := gridtest.NewTestDB(t)
	grids := grid.NewRepository(db.Conn(), zerolog.Nop())
	portfolios := portfolio.NewRepository(db.Conn(), zerolog.Nop())
	trades := NewTradeRepository(db.Conn(), zerolog.Nop())
	sink := &sinkRecorder{}
	engine := NewEngine(db, grids, portfolios, trades, sink, nil, milestones, zerolog.Nop())
	return &fixture{engine: engine, grids: grids, portfolios: portfolios, db: db, sink: sink}, cleanup
}

func (f *fixture) seedPortfolio(t *testing.T, cash decimal.Decimal) string {
	t.Helper()
	p := &portfolio.Portfolio{ID: uuid.New().String(), Name: "test", CashBalance: cash, CreatedAt: time.Now()}
	require.NoError(t, f.portfolios.Create(p))
	return p.ID
}

// seedGrid persists a grid plus its initial ladder at the given price
func (f *fixture) seedGrid(t *testing.T, portfolioID, symbol string, lower, upper int64, levels int, investment int64, pNow decimal.Decimal, allowsShort bool) *grid.Grid {
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
		Strategy:         grid.StrategyConfig{Type: grid.StrategyStatic},
		OverBoundaryQty:  decimal.Zero,
		RealizedProfit:   decimal.Zero,
		CreatedAt:        time.Now(),
	}

	orders, err := grid.BuildLadder(g, pNow, allowsShort)
	require.NoError(t, err)

	require.NoError(t, database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
		return f.grids.CreateTx(tx, g, orders)
	}))
	return g
}

func (f *fixture) pendingAt(t *testing.T, gridID string, level int, side grid.Side) *grid.Order {
	t.Helper()
	pending, err := f.grids.PendingOrders(gridID)
	require.NoError(t, err)
	for i := range pending {
		if pending[i].LevelIndex == level && pending[i].Side == side {
			return &pending[i]
		}
	}
	return nil
}

func (f *fixture) apply(t *testing.T, gridID string, o *grid.Order, observed int64) *FillResult {
	t.Helper()
	res, err := f.engine.ApplyTransition(context.Background(), gridID, o.ID,
		decimal.NewFromInt(observed), time.Now())
	require.NoError(t, err)
	return res
}

func TestBuyFillKeepsExistingPairedSell(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(100000))
	g := f.seedGrid(t, pf, "ACME", 90, 110, 10, 10000, decimal.NewFromInt(100), true)

	// Level 4 = BUY@98; level 5 = the original ladder SELL@100
	buy := f.pendingAt(t, g.ID, 4, grid.SideBuy)
	require.NotNil(t, buy)

	res := f.apply(t, g.ID, buy, 98)
	assert.Equal(t, OutcomeFilled, res.Outcome)

	// Deterministic fill price: the level price, with the tick as trigger
	orders, err := f.grids.OrdersByGrid(g.ID)
	require.NoError(t, err)
	for _, o := range orders {
		if o.ID == buy.ID {
			assert.Equal(t, grid.OrderFilled, o.State)
			require.NotNil(t, o.FilledPrice)
			require.NotNil(t, o.TriggerPrice)
			assert.True(t, o.FilledPrice.Equal(decimal.NewFromInt(98)))
			assert.True(t, o.TriggerPrice.Equal(decimal.NewFromInt(98)))
		}
	}

	// Cash decremented by quantity * fill price
	p, err := f.portfolios.GetByID(pf)
	require.NoError(t, err)
	expectedCost := buy.Quantity.Mul(decimal.NewFromInt(98)).Round(2)
	assert.True(t, p.CashBalance.Equal(decimal.NewFromInt(100000).Sub(expectedCost)))

	// The original SELL@100 is kept; no duplicate at the paired level
	pending, err := f.grids.PendingOrders(g.ID)
	require.NoError(t, err)
	sellsAtFive := 0
	for _, o := range pending {
		if o.LevelIndex == 5 && o.Side == grid.SideSell {
			sellsAtFive++
		}
	}
	assert.Equal(t, 1, sellsAtFive)
}

func TestCycleConservation(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(100000))
	g := f.seedGrid(t, pf, "ACME", 90, 110, 10, 10000, decimal.NewFromInt(100), true)

	// Price walks 98 then 96: both BUYs fill
	buy98 := f.pendingAt(t, g.ID, 4, grid.SideBuy)
	require.NotNil(t, buy98)
	f.apply(t, g.ID, buy98, 98)

	buy96 := f.pendingAt(t, g.ID, 3, grid.SideBuy)
	require.NotNil(t, buy96)
	f.apply(t, g.ID, buy96, 96)

	// BUY@96 created a paired SELL@98
	sell98 := f.pendingAt(t, g.ID, 4, grid.SideSell)
	require.NotNil(t, sell98)
	require.NotNil(t, sell98.PairedLevel)
	assert.Equal(t, 3, *sell98.PairedLevel)

	// Price returns to 98: the cycle closes with profit = quantity * spacing
	res := f.apply(t, g.ID, sell98, 98)
	assert.Equal(t, OutcomeFilled, res.Outcome)

	expectedProfit := sell98.Quantity.Mul(decimal.NewFromInt(2)).Round(2)
	assert.True(t, res.RealizedProfit.Equal(expectedProfit),
		"want %s got %s", expectedProfit, res.RealizedProfit)

	// Cumulative profit lands on the grid
	gotGrid, err := f.grids.GetByID(g.ID)
	require.NoError(t, err)
	assert.True(t, gotGrid.RealizedProfit.Equal(expectedProfit))

	// Mandatory cycle rule: the BUY@96 is recreated
	recreated := f.pendingAt(t, g.ID, 3, grid.SideBuy)
	require.NotNil(t, recreated)
	assert.True(t, recreated.Quantity.Equal(sell98.Quantity))

	// Only the tick-2 buy remains held
	holdings, err := f.portfolios.GetHoldings(pf)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Quantity.Equal(buy98.Quantity))
}

func TestMultiLevelTraversalSequentialFills(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(100000))
	g := f.seedGrid(t, pf, "ACME", 90, 110, 10, 10000, decimal.NewFromInt(100), true)

	// Price gaps to 93: BUYs at 98, 96, 94 all trigger, highest first
	startCash := decimal.NewFromInt(100000)
	totalCost := decimal.Zero
	for _, level := range []int{4, 3, 2} {
		buy := f.pendingAt(t, g.ID, level, grid.SideBuy)
		require.NotNil(t, buy, "level %d", level)
		res := f.apply(t, g.ID, buy, 93)
		assert.Equal(t, OutcomeFilled, res.Outcome)
		totalCost = totalCost.Add(buy.Quantity.Mul(buy.LevelPrice).Round(2))
	}

	p, err := f.portfolios.GetByID(pf)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(startCash.Sub(totalCost)))

	// Paired SELLs wait at 100 (the kept original), 98, and 96
	for _, level := range []int{5, 4, 3} {
		sell := f.pendingAt(t, g.ID, level, grid.SideSell)
		assert.NotNil(t, sell, "expected pending SELL at level %d", level)
	}
}

func TestInsufficientCashCancelsOrderOnly(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(500))
	g := f.seedGrid(t, pf, "ACME", 90, 110, 10, 10000, decimal.NewFromInt(100), true)

	// BUY@98 needs ~1020, cash is 500
	buy := f.pendingAt(t, g.ID, 4, grid.SideBuy)
	require.NotNil(t, buy)

	res := f.apply(t, g.ID, buy, 98)
	assert.Equal(t, OutcomeInsufficientCash, res.Outcome)

	orders, err := f.grids.OrdersByGrid(g.ID)
	require.NoError(t, err)
	cancelled := 0
	for _, o := range orders {
		if o.State == grid.OrderCancelled {
			cancelled++
			assert.Equal(t, grid.CancelInsufficientCash, o.CancelReason)
		}
	}
	assert.Equal(t, 1, cancelled, "only the rejected order is touched")

	// Cash and holdings untouched
	p, err := f.portfolios.GetByID(pf)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(decimal.NewFromInt(500)))
	holdings, err := f.portfolios.GetHoldings(pf)
	require.NoError(t, err)
	assert.Empty(t, holdings)

	assert.Contains(t, f.sink.kinds(), alerts.KindInsufficientCash)
}

func TestIdempotentReplay(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(100000))
	g := f.seedGrid(t, pf, "ACME", 90, 110, 10, 10000, decimal.NewFromInt(100), true)

	buy := f.pendingAt(t, g.ID, 4, grid.SideBuy)
	require.NotNil(t, buy)

	res := f.apply(t, g.ID, buy, 98)
	require.Equal(t, OutcomeFilled, res.Outcome)

	p1, err := f.portfolios.GetByID(pf)
	require.NoError(t, err)

	// Replaying the same detection is a no-op with zero side effects
	res = f.apply(t, g.ID, buy, 98)
	assert.Equal(t, OutcomeNoOp, res.Outcome)

	p2, err := f.portfolios.GetByID(pf)
	require.NoError(t, err)
	assert.True(t, p1.CashBalance.Equal(p2.CashBalance))
}

func TestChinaFirstSellAppearsAfterBuy(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(1000000))
	g := f.seedGrid(t, pf, "600298.SS", 36, 44, 8, 800000, decimal.NewFromInt(40), false)

	// No SELL anywhere at creation
	pending, err := f.grids.PendingOrders(g.ID)
	require.NoError(t, err)
	for _, o := range pending {
		assert.Equal(t, grid.SideBuy, o.Side)
	}

	// BUY@39 (level 3) fills; the first SELL appears at 40 (level 4)
	buy := f.pendingAt(t, g.ID, 3, grid.SideBuy)
	require.NotNil(t, buy)
	res := f.apply(t, g.ID, buy, 39)
	require.Equal(t, OutcomeFilled, res.Outcome)

	sell := f.pendingAt(t, g.ID, 4, grid.SideSell)
	require.NotNil(t, sell)
	assert.True(t, sell.LevelPrice.Equal(decimal.NewFromInt(40)))
	assert.True(t, sell.Quantity.Equal(buy.Quantity))

	// Holding never negative
	holdings, err := f.portfolios.GetHoldings(pf)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.False(t, holdings[0].Quantity.IsNegative())
}

func TestOverBoundaryInventoryParked(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(100000))
	// p_now above every level: the whole ladder is BUYs, including the top level
	g := f.seedGrid(t, pf, "ACME", 90, 110, 10, 10000, decimal.NewFromInt(120), true)

	top := f.pendingAt(t, g.ID, 9, grid.SideBuy)
	require.NotNil(t, top)

	res := f.apply(t, g.ID, top, 100)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, res.OverBoundary)

	// No SELL beyond the boundary; quantity parked on the grid
	pending, err := f.grids.PendingOrders(g.ID)
	require.NoError(t, err)
	for _, o := range pending {
		assert.NotEqual(t, grid.SideSell, o.Side)
	}

	gotGrid, err := f.grids.GetByID(g.ID)
	require.NoError(t, err)
	assert.True(t, gotGrid.OverBoundaryQty.Equal(top.Quantity))

	assert.Contains(t, f.sink.kinds(), alerts.KindOverBoundaryInventory)
}

func TestProfitMilestone(t *testing.T) {
	step := decimal.NewFromInt(10)
	f, cleanup := newFixture(t, []decimal.Decimal{step})
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(100000))
	g := f.seedGrid(t, pf, "ACME", 90, 110, 10, 10000, decimal.NewFromInt(100), true)

	// One full cycle: BUY@98 then its implicit-pair SELL cycle via 96/98
	buy98 := f.pendingAt(t, g.ID, 4, grid.SideBuy)
	f.apply(t, g.ID, buy98, 98)
	buy96 := f.pendingAt(t, g.ID, 3, grid.SideBuy)
	f.apply(t, g.ID, buy96, 96)
	sell98 := f.pendingAt(t, g.ID, 4, grid.SideSell)
	require.NotNil(t, sell98)
	f.apply(t, g.ID, sell98, 98)

	// Cycle profit ~ 20.83 crosses the 10 bucket boundary once per step config
	milestones := 0
	for _, d := range f.sink.drafts {
		if d.Kind == alerts.KindProfitMilestone {
			milestones++
		}
	}
	assert.Equal(t, 1, milestones)
}

func TestManualTransactions(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(10000))

	// Buy 10 @ 100 with 5 fees
	trade, err := f.engine.ApplyManual(context.Background(), ManualRequest{
		PortfolioID: pf, Symbol: "ACME", Type: "buy",
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
		Fees: decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	assert.Equal(t, SourceManual, trade.Source)

	p, err := f.portfolios.GetByID(pf)
	require.NoError(t, err)
	assert.True(t, p.CashBalance.Equal(decimal.NewFromInt(8995)))

	// Sell 4 @ 110: realised = 4 * (110 - 100) = 40
	trade, err = f.engine.ApplyManual(context.Background(), ManualRequest{
		PortfolioID: pf, Symbol: "ACME", Type: "sell",
		Quantity: decimal.NewFromInt(4), Price: decimal.NewFromInt(110),
	})
	require.NoError(t, err)
	require.NotNil(t, trade.RealizedProfit)
	assert.True(t, trade.RealizedProfit.Equal(decimal.NewFromInt(40)))

	holdings, err := f.portfolios.GetHoldings(pf)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Quantity.Equal(decimal.NewFromInt(6)))

	// Overselling is a business rejection, not an internal error
	_, err = f.engine.ApplyManual(context.Background(), ManualRequest{
		PortfolioID: pf, Symbol: "ACME", Type: "sell",
		Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(110),
	})
	var bizErr *BusinessError
	require.ErrorAs(t, err, &bizErr)
	assert.Equal(t, "INSUFFICIENT_HOLDING", bizErr.Code)

	// Bad input is a validation error
	_, err = f.engine.ApplyManual(context.Background(), ManualRequest{
		PortfolioID: pf, Symbol: "ACME", Type: "hold",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
	})
	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestGridCompletesWhenLadderDrains(t *testing.T) {
	f, cleanup := newFixture(t, nil)
	defer cleanup()
	pf := f.seedPortfolio(t, decimal.NewFromInt(1005))

	// Price above the whole range: a two-level all-BUY ladder (90, 100)
	g := f.seedGrid(t, pf, "DRAIN.X", 90, 110, 2, 2000, decimal.NewFromInt(120), true)

	// Top-level fill parks over-boundary inventory and creates no SELL;
	// the ladder still holds BUY@90, so the grid stays ACTIVE.
	top := f.pendingAt(t, g.ID, 1, grid.SideBuy)
	require.NotNil(t, top)
	res := f.apply(t, g.ID, top, 100)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, res.OverBoundary)
	assert.False(t, res.GridCompleted)

	// The remaining BUY@90 needs ~1000 with only 5 left; its cancellation
	// empties the ladder and retires the grid.
	bottom := f.pendingAt(t, g.ID, 0, grid.SideBuy)
	require.NotNil(t, bottom)
	res = f.apply(t, g.ID, bottom, 90)
	assert.Equal(t, OutcomeInsufficientCash, res.Outcome)
	assert.True(t, res.GridCompleted)

	got, err := f.grids.GetByID(g.ID)
	require.NoError(t, err)
	assert.Equal(t, grid.StatusCompleted, got.Status)
	assert.Contains(t, f.sink.kinds(), alerts.KindGridCompleted)

	// A completed grid accepts no further transitions
	res2, err := f.engine.ApplyTransition(context.Background(), g.ID, bottom.ID,
		decimal.NewFromInt(90), time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, res2.Outcome)
}
