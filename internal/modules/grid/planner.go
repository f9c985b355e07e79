package grid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/events"
	"github.com/mkarlis/gridtrader/internal/market"
	"github.com/mkarlis/gridtrader/internal/marketdata"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
)

// Planner validation error codes
const (
	ErrInvalidBounds       = "INVALID_BOUNDS"
	ErrInvalidLevels       = "INVALID_LEVELS"
	ErrInvalidCapital      = "INVALID_CAPITAL"
	ErrSymbolUnresolved    = "SYMBOL_UNRESOLVED"
	ErrInsufficientHistory = "INSUFFICIENT_HISTORY"
	ErrUnknownPortfolio    = "PORTFOLIO_NOT_FOUND"
)

// PlanError is a structured planner/validation failure with a stable code
type PlanError struct {
	Code    string
	Message string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	minLevelCount = 2
	maxLevelCount = 200
)

// PlanRequest are the inputs to grid creation
type PlanRequest struct {
	PortfolioID      string
	Symbol           string
	Name             string
	LowerPrice       decimal.Decimal
	UpperPrice       decimal.Decimal
	LevelCount       int
	InvestmentAmount decimal.Decimal
	Strategy         StrategyConfig
}

// PortfolioChecker verifies the owning portfolio exists before a grid insert
type PortfolioChecker interface {
	ExistsTx(tx *sql.Tx, id string) (bool, error)
}

// Planner validates grid requests, computes the ladder, and persists the
// grid with its initial order set in one transaction.
type Planner struct {
	db         *database.DB
	repo       *Repository
	portfolios PortfolioChecker
	data       marketdata.Provider
	alerts     alerts.Sink
	bus        *events.Bus
	log        zerolog.Logger

	// AllowSigmaFallback permits the 0.20 volatility fallback for DYNAMIC
	// grids with thin history. Off makes INSUFFICIENT_HISTORY fatal.
	AllowSigmaFallback bool
}

// NewPlanner creates a new grid planner
func NewPlanner(db *database.DB, repo *Repository, portfolios PortfolioChecker, data marketdata.Provider, sink alerts.Sink, bus *events.Bus, log zerolog.Logger) *Planner {
	return &Planner{
		db:                 db,
		repo:               repo,
		portfolios:         portfolios,
		data:               data,
		alerts:             sink,
		bus:                bus,
		log:                log.With().Str("component", "planner").Logger(),
		AllowSigmaFallback: true,
	}
}

// Plan validates the request, computes the initial order ladder, persists
// grid + orders atomically, and emits a GRID_CREATED alert.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*Grid, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	pNow, err := p.currentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	rules := market.RulesFor(req.Symbol)

	strategy := req.Strategy
	if strategy.Type == "" {
		strategy.Type = StrategyStatic
	}

	bounds, err := p.resolveBounds(ctx, req, strategy, pNow)
	if err != nil {
		return nil, err
	}
	if strategy.Type == StrategyDynamic {
		strategy.CenterPrice = pNow
		strategy.SigmaFallback = bounds.SigmaFallback
		if bounds.Sigma > 0 {
			strategy.Volatility = bounds.Sigma
		}
		if strategy.RebalanceThreshold <= 0 {
			strategy.RebalanceThreshold = DefaultRebalanceThreshold
		}
	}

	g := &Grid{
		ID:               uuid.New().String(),
		PortfolioID:      req.PortfolioID,
		Symbol:           req.Symbol,
		Name:             req.Name,
		Market:           rules.Market,
		LowerPrice:       bounds.Lower,
		UpperPrice:       bounds.Upper,
		LevelCount:       req.LevelCount,
		InvestmentAmount: RoundCash(req.InvestmentAmount),
		Status:           StatusActive,
		Strategy:         strategy,
		OverBoundaryQty:  decimal.Zero,
		RealizedProfit:   decimal.Zero,
		CreatedAt:        time.Now(),
	}

	orders, err := BuildLadder(g, pNow, rules.AllowsShort)
	if err != nil {
		return nil, err
	}

	err = database.WithTransaction(p.db.Conn(), func(tx *sql.Tx) error {
		ok, err := p.portfolios.ExistsTx(tx, req.PortfolioID)
		if err != nil {
			return err
		}
		if !ok {
			return &PlanError{
				Code:    ErrUnknownPortfolio,
				Message: fmt.Sprintf("portfolio %s not found", req.PortfolioID),
			}
		}
		return p.repo.CreateTx(tx, g, orders)
	})
	if err != nil {
		var planErr *PlanError
		if errors.As(err, &planErr) {
			return nil, planErr
		}
		return nil, fmt.Errorf("failed to persist grid: %w", err)
	}

	p.log.Info().
		Str("grid_id", g.ID).
		Str("symbol", g.Symbol).
		Str("market", string(g.Market)).
		Str("lower", g.LowerPrice.String()).
		Str("upper", g.UpperPrice.String()).
		Int("levels", g.LevelCount).
		Int("orders", len(orders)).
		Bool("allows_short", rules.AllowsShort).
		Msg("Grid created")

	if p.alerts != nil {
		_, aerr := p.alerts.Emit(alerts.Draft{
			Kind:     alerts.KindGridCreated,
			Severity: alerts.SeverityInfo,
			GridID:   g.ID,
			Symbol:   g.Symbol,
			Payload: map[string]interface{}{
				"name":        g.Name,
				"lower_price": g.LowerPrice.String(),
				"upper_price": g.UpperPrice.String(),
				"level_count": g.LevelCount,
				"orders":      len(orders),
			},
			Bucket: g.ID,
		})
		if aerr != nil {
			p.log.Warn().Err(aerr).Str("grid_id", g.ID).Msg("Failed to emit grid-created alert")
		}
	}

	if p.bus != nil {
		p.bus.Emit(events.GridCreated, "grid", map[string]interface{}{
			"grid_id": g.ID,
			"symbol":  g.Symbol,
		})
	}

	return g, nil
}

// Delete cancels a grid and all its PENDING orders. Holdings are preserved.
func (p *Planner) Delete(gridID string) error {
	g, err := p.repo.GetByID(gridID)
	if err != nil {
		return err
	}
	if g == nil {
		return fmt.Errorf("grid %s not found", gridID)
	}

	err = database.WithTransaction(p.db.Conn(), func(tx *sql.Tx) error {
		if _, err := p.repo.CancelPendingTx(tx, gridID, CancelGridDeleted); err != nil {
			return err
		}
		return p.repo.UpdateStatusTx(tx, gridID, StatusCancelled)
	})
	if err != nil {
		return fmt.Errorf("failed to cancel grid %s: %w", gridID, err)
	}

	p.log.Info().Str("grid_id", gridID).Msg("Grid cancelled")

	if p.bus != nil {
		p.bus.Emit(events.GridDeleted, "grid", map[string]interface{}{"grid_id": gridID})
	}

	return nil
}

func validateRequest(req PlanRequest) error {
	if req.PortfolioID == "" || req.Symbol == "" {
		return &PlanError{Code: ErrSymbolUnresolved, Message: "portfolio_id and symbol are required"}
	}
	if req.LevelCount < minLevelCount || req.LevelCount > maxLevelCount {
		return &PlanError{
			Code:    ErrInvalidLevels,
			Message: fmt.Sprintf("level_count must be between %d and %d", minLevelCount, maxLevelCount),
		}
	}
	if !req.InvestmentAmount.IsPositive() {
		return &PlanError{Code: ErrInvalidCapital, Message: "investment_amount must be positive"}
	}
	if req.Strategy.Type != StrategyDynamic {
		// STATIC bounds come from the request and must be sane up front
		if !req.LowerPrice.IsPositive() || req.UpperPrice.LessThanOrEqual(req.LowerPrice) {
			return &PlanError{Code: ErrInvalidBounds, Message: "require upper > lower > 0"}
		}
	}
	return nil
}

func (p *Planner) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ticks, err := p.data.CurrentPrices(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to resolve symbol %s: %w", symbol, err)
	}
	tick, ok := ticks[symbol]
	if !ok || !tick.Price.IsPositive() {
		return decimal.Zero, &PlanError{
			Code:    ErrSymbolUnresolved,
			Message: fmt.Sprintf("no current price available for %s", symbol),
		}
	}
	return tick.Price, nil
}

func (p *Planner) resolveBounds(ctx context.Context, req PlanRequest, strategy StrategyConfig, pNow decimal.Decimal) (Bounds, error) {
	requested := Bounds{Lower: RoundPrice(req.LowerPrice), Upper: RoundPrice(req.UpperPrice)}
	s := StrategyFor(strategy, requested, p.data, p.AllowSigmaFallback)

	bounds, err := s.InitialBounds(ctx, req.Symbol, pNow)
	if err != nil {
		return Bounds{}, err
	}

	if !bounds.Lower.IsPositive() || bounds.Upper.LessThanOrEqual(bounds.Lower) {
		return Bounds{}, &PlanError{Code: ErrInvalidBounds, Message: "computed bounds require upper > lower > 0"}
	}
	return bounds, nil
}

// BuildLadder computes the initial order set for a grid at the current price.
//
// Levels sit at lower + i*spacing for i in [0, level_count-1]. With shorting
// allowed, BUYs go strictly below p_now and SELLs at every level at or above
// it, each sized from investment/level_count. Without shorting (China/HK)
// only the BUY side is placed and the full investment is spread across those
// BUY levels; SELLs appear later, paired to BUY fills.
func BuildLadder(g *Grid, pNow decimal.Decimal, allowsShort bool) ([]Order, error) {
	now := time.Now()

	type plannedLevel struct {
		index int
		price decimal.Decimal
		side  Side
	}

	var planned []plannedLevel
	buyLevels := 0
	for i := 0; i <= g.MaxLevelIndex(); i++ {
		price := g.LevelPrice(i)
		switch {
		case price.LessThan(pNow):
			planned = append(planned, plannedLevel{index: i, price: price, side: SideBuy})
			buyLevels++
		case allowsShort:
			planned = append(planned, plannedLevel{index: i, price: price, side: SideSell})
		}
	}

	if buyLevels == 0 {
		return nil, &PlanError{
			Code:    ErrInvalidBounds,
			Message: "no orderable BUY level below the current price",
		}
	}

	// Capital per level: with shorting the budget is split across all levels,
	// without it the whole budget covers only the BUY side.
	var capitalPerLevel decimal.Decimal
	if allowsShort {
		capitalPerLevel = g.InvestmentAmount.Div(decimal.NewFromInt(int64(g.LevelCount)))
	} else {
		capitalPerLevel = g.InvestmentAmount.Div(decimal.NewFromInt(int64(buyLevels)))
	}

	orders := make([]Order, 0, len(planned))
	for _, pl := range planned {
		orders = append(orders, Order{
			ID:         uuid.New().String(),
			GridID:     g.ID,
			LevelIndex: pl.index,
			LevelPrice: pl.price,
			Side:       pl.side,
			Quantity:   RoundQty(capitalPerLevel.Div(pl.price)),
			State:      OrderPending,
			CreatedAt:  now,
		})
	}

	return orders, nil
}
