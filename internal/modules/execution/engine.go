package execution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/events"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
	"github.com/mkarlis/gridtrader/internal/modules/portfolio"
)

// Outcome classifies the result of a transition. Business-rule rejections
// (insufficient cash/holding) are outcomes, not errors: the tick proceeds.
type Outcome string

const (
	OutcomeFilled              Outcome = "FILLED"
	OutcomeNoOp                Outcome = "NO_OP"
	OutcomeInsufficientCash    Outcome = "INSUFFICIENT_CASH"
	OutcomeInsufficientHolding Outcome = "INSUFFICIENT_HOLDING"
)

// FillResult describes what a transition did
type FillResult struct {
	Outcome        Outcome
	OrderID        string
	LevelIndex     int
	Side           grid.Side
	FillPrice      decimal.Decimal
	RealizedProfit decimal.Decimal
	OverBoundary   bool
	GridCompleted  bool
}

// Engine applies transitions. All datastore mutation for one transition
// happens in a single transaction retried on serialisation conflicts; alerts
// and events are published only after commit.
type Engine struct {
	db         *database.DB
	grids      *grid.Repository
	portfolios *portfolio.Repository
	trades     *TradeRepository
	alerts     alerts.Sink
	bus        *events.Bus
	milestones []decimal.Decimal
	log        zerolog.Logger
}

// NewEngine creates a new execution engine
func NewEngine(
	db *database.DB,
	grids *grid.Repository,
	portfolios *portfolio.Repository,
	trades *TradeRepository,
	sink alerts.Sink,
	bus *events.Bus,
	milestoneSteps []decimal.Decimal,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		db:         db,
		grids:      grids,
		portfolios: portfolios,
		trades:     trades,
		alerts:     sink,
		bus:        bus,
		milestones: milestoneSteps,
		log:        log.With().Str("component", "execution").Logger(),
	}
}

// ApplyTransition applies one detected fill. The fill price is the level
// price, never the observed tick; the tick lands on the order as
// trigger_price. An already-FILLED order is a no-op, so the monitor can
// safely replay detection after a crash.
func (e *Engine) ApplyTransition(ctx context.Context, gridID, orderID string, observed decimal.Decimal, observedAt time.Time) (*FillResult, error) {
	var (
		result FillResult
		drafts []alerts.Draft
	)

	err := database.WithRetryableTransaction(e.db.Conn(), func(tx *sql.Tx) error {
		// The whole body re-runs on retry; start from scratch
		result = FillResult{Outcome: OutcomeNoOp}
		drafts = drafts[:0]

		g, err := e.grids.GetByIDTx(tx, gridID)
		if err != nil {
			return err
		}
		if g == nil || g.Status != grid.StatusActive {
			return nil
		}

		o, err := e.grids.GetOrderTx(tx, orderID)
		if err != nil {
			return err
		}
		if o == nil || o.GridID != gridID || o.State != grid.OrderPending {
			return nil
		}
		if !o.Triggered(observed) {
			return nil
		}

		p, err := e.portfolios.GetByIDTx(tx, g.PortfolioID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("portfolio %s not found for grid %s", g.PortfolioID, gridID)
		}

		result.OrderID = o.ID
		result.LevelIndex = o.LevelIndex
		result.Side = o.Side
		result.FillPrice = o.LevelPrice

		switch o.Side {
		case grid.SideBuy:
			err = e.applyBuy(tx, g, p, o, observed, observedAt, &result, &drafts)
		case grid.SideSell:
			err = e.applySell(tx, g, p, o, observed, observedAt, &result, &drafts)
		default:
			return fmt.Errorf("order %s has unknown side %q", o.ID, o.Side)
		}
		if err != nil {
			return err
		}

		return e.completeIfDrained(tx, g, &result, &drafts)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply transition for order %s: %w", orderID, err)
	}

	e.publish(gridID, &result, drafts)
	return &result, nil
}

func (e *Engine) applyBuy(tx *sql.Tx, g *grid.Grid, p *portfolio.Portfolio, o *grid.Order, observed decimal.Decimal, at time.Time, result *FillResult, drafts *[]alerts.Draft) error {
	required := grid.RoundCash(o.Quantity.Mul(o.LevelPrice))

	if p.CashBalance.LessThan(required) {
		if err := e.grids.CancelOrderTx(tx, o.ID, grid.CancelInsufficientCash); err != nil {
			return err
		}
		result.Outcome = OutcomeInsufficientCash
		*drafts = append(*drafts, alerts.Draft{
			Kind:     alerts.KindInsufficientCash,
			Severity: alerts.SeverityWarn,
			GridID:   g.ID,
			Symbol:   g.Symbol,
			Payload: map[string]interface{}{
				"level_index":   o.LevelIndex,
				"required_cash": required.String(),
				"cash_balance":  p.CashBalance.String(),
			},
			Bucket: alerts.LevelBucket(o.LevelIndex),
		})
		return nil
	}

	if err := e.portfolios.UpdateCashTx(tx, p.ID, grid.RoundCash(p.CashBalance.Sub(required))); err != nil {
		return err
	}

	if err := e.addToHolding(tx, p.ID, g.Symbol, o.Quantity, o.LevelPrice, at); err != nil {
		return err
	}

	if err := e.grids.MarkOrderFilledTx(tx, o.ID, o.LevelPrice, observed, at, nil); err != nil {
		return err
	}

	// Mandatory cycle: the paired SELL sits one level up. Beyond the upper
	// boundary the quantity is parked instead and needs manual action.
	pairedLevel := o.LevelIndex + 1
	if pairedLevel > g.MaxLevelIndex() {
		if err := e.grids.AddOverBoundaryTx(tx, g.ID, o.Quantity); err != nil {
			return err
		}
		result.OverBoundary = true
		*drafts = append(*drafts, alerts.Draft{
			Kind:     alerts.KindOverBoundaryInventory,
			Severity: alerts.SeverityWarn,
			GridID:   g.ID,
			Symbol:   g.Symbol,
			Payload: map[string]interface{}{
				"level_index": o.LevelIndex,
				"quantity":    o.Quantity.String(),
			},
			Bucket: alerts.LevelBucket(o.LevelIndex),
		})
	} else {
		// A PENDING order may already wait at the paired level (the initial
		// SELL ladder); keep it rather than create a duplicate.
		existing, err := e.grids.PendingOrderAtLevelTx(tx, g.ID, pairedLevel, grid.SideSell)
		if err != nil {
			return err
		}
		if existing == nil {
			paired := o.LevelIndex
			if err := e.grids.InsertOrderTx(tx, &grid.Order{
				ID:          uuid.New().String(),
				GridID:      g.ID,
				LevelIndex:  pairedLevel,
				LevelPrice:  g.LevelPrice(pairedLevel),
				Side:        grid.SideSell,
				Quantity:    o.Quantity,
				State:       grid.OrderPending,
				PairedLevel: &paired,
				CreatedAt:   at,
			}); err != nil {
				return err
			}
		}
	}

	if err := e.trades.InsertTx(tx, &Trade{
		ID:           uuid.New().String(),
		PortfolioID:  p.ID,
		GridID:       g.ID,
		Symbol:       g.Symbol,
		Side:         grid.SideBuy,
		Quantity:     o.Quantity,
		Price:        o.LevelPrice,
		TriggerPrice: &observed,
		Fees:         decimal.Zero,
		Source:       SourceGrid,
		ExecutedAt:   at,
	}); err != nil {
		return err
	}

	result.Outcome = OutcomeFilled
	*drafts = append(*drafts, orderFilledDraft(g, o, o.LevelPrice, nil))
	return nil
}

func (e *Engine) applySell(tx *sql.Tx, g *grid.Grid, p *portfolio.Portfolio, o *grid.Order, observed decimal.Decimal, at time.Time, result *FillResult, drafts *[]alerts.Draft) error {
	holding, err := e.portfolios.GetHoldingTx(tx, p.ID, g.Symbol)
	if err != nil {
		return err
	}
	if holding == nil || holding.Quantity.LessThan(o.Quantity) {
		if err := e.grids.CancelOrderTx(tx, o.ID, grid.CancelInsufficientHolding); err != nil {
			return err
		}
		result.Outcome = OutcomeInsufficientHolding
		held := decimal.Zero
		if holding != nil {
			held = holding.Quantity
		}
		*drafts = append(*drafts, alerts.Draft{
			Kind:     alerts.KindInsufficientHolding,
			Severity: alerts.SeverityWarn,
			GridID:   g.ID,
			Symbol:   g.Symbol,
			Payload: map[string]interface{}{
				"level_index": o.LevelIndex,
				"required":    o.Quantity.String(),
				"held":        held.String(),
			},
			Bucket: alerts.LevelBucket(o.LevelIndex),
		})
		return nil
	}

	proceeds := grid.RoundCash(o.Quantity.Mul(o.LevelPrice))
	if err := e.portfolios.UpdateCashTx(tx, p.ID, grid.RoundCash(p.CashBalance.Add(proceeds))); err != nil {
		return err
	}

	// A zero-quantity entry stays; average cost resets on the next acquisition
	holding.Quantity = grid.RoundQty(holding.Quantity.Sub(o.Quantity))
	holding.UpdatedAt = at
	if err := e.portfolios.UpsertHoldingTx(tx, holding); err != nil {
		return err
	}

	// Realised profit closes the cycle against the paired BUY's level price.
	// Initial-ladder SELLs carry no explicit pair; the adjacent lower level
	// is the implicit one.
	pairedLevel := o.LevelIndex - 1
	if o.PairedLevel != nil {
		pairedLevel = *o.PairedLevel
	}

	var realizedPtr *decimal.Decimal
	if pairedLevel >= 0 {
		realized := grid.RoundCash(o.Quantity.Mul(o.LevelPrice.Sub(g.LevelPrice(pairedLevel))))
		realizedPtr = &realized
		result.RealizedProfit = realized
	}

	if err := e.grids.MarkOrderFilledTx(tx, o.ID, o.LevelPrice, observed, at, realizedPtr); err != nil {
		return err
	}

	if realizedPtr != nil {
		total, err := e.grids.AddRealizedProfitTx(tx, g.ID, *realizedPtr)
		if err != nil {
			return err
		}
		*drafts = append(*drafts, e.milestoneDrafts(g, total.Sub(*realizedPtr), total)...)
	}

	// Mandatory cycle rule: recreate the BUY at the paired level so the
	// ladder does not degrade.
	if pairedLevel >= 0 {
		existing, err := e.grids.PendingOrderAtLevelTx(tx, g.ID, pairedLevel, grid.SideBuy)
		if err != nil {
			return err
		}
		if existing == nil {
			paired := o.LevelIndex
			if err := e.grids.InsertOrderTx(tx, &grid.Order{
				ID:          uuid.New().String(),
				GridID:      g.ID,
				LevelIndex:  pairedLevel,
				LevelPrice:  g.LevelPrice(pairedLevel),
				Side:        grid.SideBuy,
				Quantity:    o.Quantity,
				State:       grid.OrderPending,
				PairedLevel: &paired,
				CreatedAt:   at,
			}); err != nil {
				return err
			}
		}
	}

	if err := e.trades.InsertTx(tx, &Trade{
		ID:             uuid.New().String(),
		PortfolioID:    p.ID,
		GridID:         g.ID,
		Symbol:         g.Symbol,
		Side:           grid.SideSell,
		Quantity:       o.Quantity,
		Price:          o.LevelPrice,
		TriggerPrice:   &observed,
		Fees:           decimal.Zero,
		Source:         SourceGrid,
		RealizedProfit: realizedPtr,
		ExecutedAt:     at,
	}); err != nil {
		return err
	}

	result.Outcome = OutcomeFilled
	*drafts = append(*drafts, orderFilledDraft(g, o, o.LevelPrice, realizedPtr))
	return nil
}

// completeIfDrained retires a grid whose ladder has emptied. With no PENDING
// order left nothing can trigger again, so the grid moves to COMPLETED and a
// GRID_COMPLETED alert tells the operator.
func (e *Engine) completeIfDrained(tx *sql.Tx, g *grid.Grid, result *FillResult, drafts *[]alerts.Draft) error {
	if result.Outcome == OutcomeNoOp {
		return nil
	}

	n, err := e.grids.CountPendingTx(tx, g.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if err := e.grids.UpdateStatusTx(tx, g.ID, grid.StatusCompleted); err != nil {
		return err
	}
	result.GridCompleted = true
	*drafts = append(*drafts, alerts.Draft{
		Kind:     alerts.KindGridCompleted,
		Severity: alerts.SeverityInfo,
		GridID:   g.ID,
		Symbol:   g.Symbol,
		Payload: map[string]interface{}{
			"last_level_index": result.LevelIndex,
			"last_side":        string(result.Side),
		},
		Bucket: g.ID,
	})
	return nil
}

// addToHolding upserts the weighted-average-cost position. A zero-quantity
// remnant gets a fresh cost basis.
func (e *Engine) addToHolding(tx *sql.Tx, portfolioID, symbol string, qty, price decimal.Decimal, at time.Time) error {
	holding, err := e.portfolios.GetHoldingTx(tx, portfolioID, symbol)
	if err != nil {
		return err
	}

	if holding == nil || holding.Quantity.IsZero() {
		return e.portfolios.UpsertHoldingTx(tx, &portfolio.Holding{
			PortfolioID: portfolioID,
			Symbol:      symbol,
			Quantity:    grid.RoundQty(qty),
			AverageCost: grid.RoundPrice(price),
			UpdatedAt:   at,
		})
	}

	newQty := holding.Quantity.Add(qty)
	totalCost := holding.Quantity.Mul(holding.AverageCost).Add(qty.Mul(price))
	holding.AverageCost = grid.RoundPrice(totalCost.Div(newQty))
	holding.Quantity = grid.RoundQty(newQty)
	holding.UpdatedAt = at
	return e.portfolios.UpsertHoldingTx(tx, holding)
}

// milestoneDrafts emits PROFIT_MILESTONE for each configured step whose
// bucket the cumulative profit just crossed.
func (e *Engine) milestoneDrafts(g *grid.Grid, before, after decimal.Decimal) []alerts.Draft {
	if !after.IsPositive() {
		return nil
	}

	var drafts []alerts.Draft
	for _, step := range e.milestones {
		if !step.IsPositive() {
			continue
		}
		oldBucket := before.Div(step).Floor()
		newBucket := after.Div(step).Floor()
		if newBucket.GreaterThan(oldBucket) {
			drafts = append(drafts, alerts.Draft{
				Kind:     alerts.KindProfitMilestone,
				Severity: alerts.SeverityInfo,
				GridID:   g.ID,
				Symbol:   g.Symbol,
				Payload: map[string]interface{}{
					"cumulative_profit": after.String(),
					"milestone_step":    step.String(),
				},
				Bucket: alerts.MilestoneBucket(after, step),
			})
		}
	}
	return drafts
}

func orderFilledDraft(g *grid.Grid, o *grid.Order, fillPrice decimal.Decimal, realized *decimal.Decimal) alerts.Draft {
	payload := map[string]interface{}{
		"level_index": o.LevelIndex,
		"side":        string(o.Side),
		"quantity":    o.Quantity.String(),
		"fill_price":  fillPrice.String(),
	}
	if realized != nil {
		payload["realized_profit"] = realized.String()
	}
	return alerts.Draft{
		Kind:     alerts.KindOrderFilled,
		Severity: alerts.SeverityInfo,
		GridID:   g.ID,
		Symbol:   g.Symbol,
		Payload:  payload,
		Bucket:   alerts.LevelBucket(o.LevelIndex),
	}
}

// publish delivers alerts and events strictly after the transaction commit
func (e *Engine) publish(gridID string, result *FillResult, drafts []alerts.Draft) {
	if e.alerts != nil {
		for _, d := range drafts {
			if _, err := e.alerts.Emit(d); err != nil {
				e.log.Warn().Err(err).Str("kind", string(d.Kind)).Msg("Failed to emit alert")
			}
		}
	}

	if result.Outcome == OutcomeFilled {
		e.log.Info().
			Str("grid_id", gridID).
			Str("order_id", result.OrderID).
			Int("level", result.LevelIndex).
			Str("side", string(result.Side)).
			Str("fill_price", result.FillPrice.String()).
			Str("realized", result.RealizedProfit.String()).
			Msg("Order filled")

		if e.bus != nil {
			e.bus.Emit(events.OrderFilled, "execution", map[string]interface{}{
				"grid_id":     gridID,
				"order_id":    result.OrderID,
				"level_index": result.LevelIndex,
				"side":        string(result.Side),
				"fill_price":  result.FillPrice.String(),
			})
		}
	}
}
