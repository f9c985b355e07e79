// Package monitor drives the detection loop: each tick it fetches prices for
// the active grids whose markets are open, detects state transitions, applies
// them through the execution engine, and classifies boundary proximity.
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/events"
	"github.com/mkarlis/gridtrader/internal/market"
	"github.com/mkarlis/gridtrader/internal/marketdata"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/execution"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
)

const (
	// defaultBoundaryBufferPct is the near-boundary band as a fraction of the
	// observed price.
	defaultBoundaryBufferPct = 0.005

	// defaultConcurrency bounds the per-grid fan-out within one tick
	defaultConcurrency = 8
)

// Config tunes the monitor loop
type Config struct {
	// BoundaryBufferPct sets the near-boundary band as a fraction of the
	// observed price. Zero means the default of 0.5%.
	BoundaryBufferPct float64

	// Concurrency bounds how many grids are checked in parallel per tick
	Concurrency int
}

// Monitor is the price-driven detection loop
type Monitor struct {
	db     *database.DB
	grids  *grid.Repository
	engine *execution.Engine
	data   marketdata.Provider
	alerts alerts.Sink
	bus    *events.Bus
	cfg    Config
	log    zerolog.Logger
}

// New creates a monitor
func New(
	db *database.DB,
	grids *grid.Repository,
	engine *execution.Engine,
	data marketdata.Provider,
	sink alerts.Sink,
	bus *events.Bus,
	cfg Config,
	log zerolog.Logger,
) *Monitor {
	if cfg.BoundaryBufferPct <= 0 {
		cfg.BoundaryBufferPct = defaultBoundaryBufferPct
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Monitor{
		db:     db,
		grids:  grids,
		engine: engine,
		data:   data,
		alerts: sink,
		bus:    bus,
		cfg:    cfg,
		log:    log.With().Str("component", "monitor").Logger(),
	}
}

// Tick runs one detection pass at the given instant. Grids whose markets are
// closed are skipped entirely; a missing price raises MARKET_DATA_GAP and
// skips the grid without failing the tick.
func (m *Monitor) Tick(ctx context.Context, now time.Time) error {
	active, err := m.grids.ListActive()
	if err != nil {
		return err
	}

	var open []grid.Grid
	seen := make(map[string]struct{})
	var symbols []string
	for _, g := range active {
		if !market.RulesFor(g.Symbol).IsOpenAt(now) {
			continue
		}
		open = append(open, g)
		if _, ok := seen[g.Symbol]; !ok {
			seen[g.Symbol] = struct{}{}
			symbols = append(symbols, g.Symbol)
		}
	}
	if len(open) == 0 {
		return nil
	}

	ticks, err := m.data.CurrentPrices(ctx, symbols)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.cfg.Concurrency)
	for i := range open {
		g := open[i]
		eg.Go(func() error {
			tick, ok := ticks[g.Symbol]
			if !ok {
				m.emit(alerts.Draft{
					Kind:     alerts.KindMarketDataGap,
					Severity: alerts.SeverityWarn,
					GridID:   g.ID,
					Symbol:   g.Symbol,
					Payload:  map[string]interface{}{"reason": "no price returned"},
					Bucket:   alerts.SymbolBucket(g.Symbol),
				})
				return nil
			}
			return m.checkGrid(egCtx, &g, tick)
		})
	}
	return eg.Wait()
}

// checkGrid detects and applies all transitions one price implies for one
// grid, then classifies boundary proximity against the fresh bounds.
func (m *Monitor) checkGrid(ctx context.Context, g *grid.Grid, tick marketdata.Tick) error {
	pending, err := m.grids.PendingOrders(g.ID)
	if err != nil {
		return err
	}

	// A gap across several levels fills them in price-traversal order: BUYs
	// from the highest triggered level down, SELLs from the lowest up. Fills
	// are sequential per grid so each sees the previous one's cash/holdings.
	var buys, sells []grid.Order
	for _, o := range pending {
		if !o.Triggered(tick.Price) {
			continue
		}
		switch o.Side {
		case grid.SideBuy:
			buys = append(buys, o)
		case grid.SideSell:
			sells = append(sells, o)
		}
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].LevelIndex > buys[j].LevelIndex })
	sort.Slice(sells, func(i, j int) bool { return sells[i].LevelIndex < sells[j].LevelIndex })

	for _, o := range append(buys, sells...) {
		if _, err := m.engine.ApplyTransition(ctx, g.ID, o.ID, tick.Price, tick.ObservedAt); err != nil {
			m.log.Error().Err(err).
				Str("grid_id", g.ID).
				Str("order_id", o.ID).
				Msg("Failed to apply transition")
			// Keep going: one failed order must not stall the rest of the grid
		}
	}

	// Re-read bounds in case a fill or rebalance moved them during this pass
	fresh, err := m.grids.GetByID(g.ID)
	if err != nil {
		return err
	}
	if fresh == nil || fresh.Status != grid.StatusActive {
		return nil
	}

	m.classifyBoundary(fresh, tick.Price)

	if grid.ShouldRebalance(fresh, tick.Price) {
		m.emit(alerts.Draft{
			Kind:     alerts.KindRebalanceSuggested,
			Severity: alerts.SeverityInfo,
			GridID:   fresh.ID,
			Symbol:   fresh.Symbol,
			Payload: map[string]interface{}{
				"price":        tick.Price.String(),
				"center_price": fresh.Strategy.CenterPrice.String(),
				"lower_price":  fresh.LowerPrice.String(),
				"upper_price":  fresh.UpperPrice.String(),
			},
			Bucket: alerts.SymbolBucket(fresh.Symbol),
		})
	}

	return nil
}

// classifyBoundary raises out-of-range and near-boundary alerts. The dedup
// bucket is the buffer-sized price band, so a price oscillating inside one
// band alerts once per window.
func (m *Monitor) classifyBoundary(g *grid.Grid, p decimal.Decimal) {
	buffer := grid.RoundPrice(p.Mul(decimal.NewFromFloat(m.cfg.BoundaryBufferPct)))
	bucket := alerts.BoundaryBucket(p, buffer)
	payload := map[string]interface{}{
		"price":       p.String(),
		"lower_price": g.LowerPrice.String(),
		"upper_price": g.UpperPrice.String(),
	}

	switch {
	case p.GreaterThan(g.UpperPrice):
		m.emit(alerts.Draft{
			Kind: alerts.KindPriceAboveRange, Severity: alerts.SeverityWarn,
			GridID: g.ID, Symbol: g.Symbol, Payload: payload, Bucket: bucket,
		})
	case p.LessThan(g.LowerPrice):
		m.emit(alerts.Draft{
			Kind: alerts.KindPriceBelowRange, Severity: alerts.SeverityWarn,
			GridID: g.ID, Symbol: g.Symbol, Payload: payload, Bucket: bucket,
		})
	case g.UpperPrice.Sub(p).LessThanOrEqual(buffer) || p.Sub(g.LowerPrice).LessThanOrEqual(buffer):
		m.emit(alerts.Draft{
			Kind: alerts.KindPriceNearBoundary, Severity: alerts.SeverityInfo,
			GridID: g.ID, Symbol: g.Symbol, Payload: payload, Bucket: bucket,
		})
	}
}

func (m *Monitor) emit(d alerts.Draft) {
	if m.alerts == nil {
		return
	}
	if _, err := m.alerts.Emit(d); err != nil {
		m.log.Warn().Err(err).Str("kind", string(d.Kind)).Msg("Failed to emit alert")
	}
}
