package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/events"
	"github.com/mkarlis/gridtrader/internal/market"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
)

// Rebalance re-plans a DYNAMIC grid around the current price: pending orders
// are cancelled, bounds recomputed from fresh volatility, and a new ladder
// planted. Holdings and realised profit carry over untouched.
func (m *Monitor) Rebalance(ctx context.Context, gridID string, now time.Time) error {
	g, err := m.grids.GetByID(gridID)
	if err != nil {
		return err
	}
	if g == nil {
		return fmt.Errorf("grid %s not found", gridID)
	}
	if g.Status != grid.StatusActive {
		return fmt.Errorf("grid %s is not active", gridID)
	}
	if g.Strategy.Type != grid.StrategyDynamic {
		return fmt.Errorf("grid %s is not a dynamic grid", gridID)
	}

	ticks, err := m.data.CurrentPrices(ctx, []string{g.Symbol})
	if err != nil {
		return fmt.Errorf("failed to fetch price for %s: %w", g.Symbol, err)
	}
	tick, ok := ticks[g.Symbol]
	if !ok {
		return fmt.Errorf("no price available for %s", g.Symbol)
	}
	pNow := tick.Price

	strategy := grid.StrategyFor(g.Strategy, grid.Bounds{}, m.data, true)
	bounds, err := strategy.InitialBounds(ctx, g.Symbol, pNow)
	if err != nil {
		return fmt.Errorf("failed to compute new bounds for grid %s: %w", gridID, err)
	}

	newStrategy := g.Strategy
	newStrategy.CenterPrice = pNow
	newStrategy.Volatility = bounds.Sigma
	newStrategy.SigmaFallback = bounds.SigmaFallback

	replanned := *g
	replanned.LowerPrice = bounds.Lower
	replanned.UpperPrice = bounds.Upper
	replanned.Strategy = newStrategy

	rules := market.RulesFor(g.Symbol)
	orders, err := grid.BuildLadder(&replanned, pNow, rules.AllowsShort)
	if err != nil {
		return fmt.Errorf("failed to rebuild ladder for grid %s: %w", gridID, err)
	}

	var cancelled int
	err = database.WithTransaction(m.db.Conn(), func(tx *sql.Tx) error {
		cancelled, err = m.grids.CancelPendingTx(tx, g.ID, grid.CancelRebalanced)
		if err != nil {
			return err
		}
		if err := m.grids.UpdateBoundsTx(tx, g.ID, bounds.Lower, bounds.Upper, newStrategy, now); err != nil {
			return err
		}
		for i := range orders {
			if err := m.grids.InsertOrderTx(tx, &orders[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rebalance grid %s: %w", gridID, err)
	}

	m.log.Info().
		Str("grid_id", g.ID).
		Str("symbol", g.Symbol).
		Str("lower", bounds.Lower.String()).
		Str("upper", bounds.Upper.String()).
		Int("cancelled", cancelled).
		Int("planted", len(orders)).
		Msg("Grid rebalanced")

	m.emit(alerts.Draft{
		Kind:     alerts.KindGridRebalanced,
		Severity: alerts.SeverityInfo,
		GridID:   g.ID,
		Symbol:   g.Symbol,
		Payload: map[string]interface{}{
			"lower_price":      bounds.Lower.String(),
			"upper_price":      bounds.Upper.String(),
			"center_price":     pNow.String(),
			"cancelled_orders": cancelled,
			"planted_orders":   len(orders),
		},
		Bucket: alerts.SymbolBucket(g.Symbol),
	})

	if m.bus != nil {
		m.bus.Emit(events.GridRebalanced, "monitor", map[string]interface{}{
			"grid_id":     g.ID,
			"symbol":      g.Symbol,
			"lower_price": bounds.Lower.String(),
			"upper_price": bounds.Upper.String(),
		})
	}

	return nil
}

// ScanRebalance rebalances every open-market DYNAMIC grid whose price has
// drifted past its threshold. Per-grid failures are logged and skipped.
func (m *Monitor) ScanRebalance(ctx context.Context, now time.Time) error {
	active, err := m.grids.ListActive()
	if err != nil {
		return err
	}

	var candidates []grid.Grid
	seen := make(map[string]struct{})
	var symbols []string
	for _, g := range active {
		if g.Strategy.Type != grid.StrategyDynamic {
			continue
		}
		if !market.RulesFor(g.Symbol).IsOpenAt(now) {
			continue
		}
		candidates = append(candidates, g)
		if _, ok := seen[g.Symbol]; !ok {
			seen[g.Symbol] = struct{}{}
			symbols = append(symbols, g.Symbol)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	ticks, err := m.data.CurrentPrices(ctx, symbols)
	if err != nil {
		return err
	}

	for i := range candidates {
		g := &candidates[i]
		tick, ok := ticks[g.Symbol]
		if !ok {
			continue
		}
		if !grid.ShouldRebalance(g, tick.Price) {
			continue
		}
		if err := m.Rebalance(ctx, g.ID, now); err != nil {
			m.log.Error().Err(err).Str("grid_id", g.ID).Msg("Failed to rebalance grid")
		}
	}

	return nil
}
