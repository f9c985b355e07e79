// Package grid implements the grid planner and the grid/order data model.
//
// Ladder convention: a grid with level_count N has N orderable levels at
// lower + i*spacing for i in [0, N-1]. The upper price is a boundary only and
// never carries an order.
package grid

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/market"
)

// Status of a grid
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState lifecycle: PENDING -> FILLED | CANCELLED
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
)

// Order cancel reasons
const (
	CancelInsufficientCash    = "INSUFFICIENT_CASH"
	CancelInsufficientHolding = "INSUFFICIENT_HOLDING"
	CancelRebalanced          = "REBALANCED"
	CancelGridDeleted         = "GRID_DELETED"
)

// StrategyType tags the strategy variant
type StrategyType string

const (
	StrategyStatic  StrategyType = "STATIC"
	StrategyDynamic StrategyType = "DYNAMIC"
)

// StrategyConfig is the tagged strategy variant stored as JSON on the grid.
// DYNAMIC fields are zero for STATIC grids.
type StrategyConfig struct {
	Type               StrategyType    `json:"type"`
	Volatility         float64         `json:"volatility,omitempty"`
	Multiplier         float64         `json:"multiplier,omitempty"`
	CenterPrice        decimal.Decimal `json:"center_price,omitempty"`
	LookbackDays       int             `json:"lookback_days,omitempty"`
	RebalanceThreshold float64         `json:"rebalance_threshold,omitempty"`
	SigmaFallback      bool            `json:"sigma_fallback,omitempty"`
}

// Fixed-point precision used throughout the engine
const (
	PricePrecision = 4
	QtyPrecision   = 8
	CashPrecision  = 2
)

// RoundPrice rounds to price precision (4 decimal places)
func RoundPrice(d decimal.Decimal) decimal.Decimal { return d.Round(PricePrecision) }

// RoundQty rounds to quantity precision (8 decimal places)
func RoundQty(d decimal.Decimal) decimal.Decimal { return d.Round(QtyPrecision) }

// RoundCash rounds to cash precision (2 decimal places)
func RoundCash(d decimal.Decimal) decimal.Decimal { return d.Round(CashPrecision) }

// Grid is a planned ladder of discrete price levels for one symbol
type Grid struct {
	ID               string          `json:"id"`
	PortfolioID      string          `json:"portfolio_id"`
	Symbol           string          `json:"symbol"`
	Name             string          `json:"name"`
	Market           market.Market   `json:"market"`
	LowerPrice       decimal.Decimal `json:"lower_price"`
	UpperPrice       decimal.Decimal `json:"upper_price"`
	LevelCount       int             `json:"level_count"`
	InvestmentAmount decimal.Decimal `json:"investment_amount"`
	Status           Status          `json:"status"`
	Strategy         StrategyConfig  `json:"strategy_config"`
	OverBoundaryQty  decimal.Decimal `json:"over_boundary_qty"`
	RealizedProfit   decimal.Decimal `json:"realized_profit"`
	CreatedAt        time.Time       `json:"created_at"`
	LastRebalancedAt *time.Time      `json:"last_rebalanced_at,omitempty"`
}

// Spacing is the arithmetic distance between adjacent levels
func (g *Grid) Spacing() decimal.Decimal {
	return RoundPrice(g.UpperPrice.Sub(g.LowerPrice).Div(decimal.NewFromInt(int64(g.LevelCount))))
}

// LevelPrice returns the price at a level index
func (g *Grid) LevelPrice(i int) decimal.Decimal {
	return RoundPrice(g.LowerPrice.Add(g.Spacing().Mul(decimal.NewFromInt(int64(i)))))
}

// MaxLevelIndex is the highest orderable level; upper itself is boundary-only
func (g *Grid) MaxLevelIndex() int {
	return g.LevelCount - 1
}

// Order is one pre-sized order at a grid level
type Order struct {
	ID             string           `json:"id"`
	GridID         string           `json:"grid_id"`
	LevelIndex     int              `json:"level_index"`
	LevelPrice     decimal.Decimal  `json:"level_price"`
	Side           Side             `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	State          OrderState       `json:"state"`
	PairedLevel    *int             `json:"paired_level,omitempty"`
	CancelReason   string           `json:"cancel_reason,omitempty"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
	FilledPrice    *decimal.Decimal `json:"filled_price,omitempty"`
	TriggerPrice   *decimal.Decimal `json:"trigger_price,omitempty"`
	RealizedProfit *decimal.Decimal `json:"realized_profit,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Triggered reports whether the observed price triggers this order.
// Comparisons are inclusive on both sides.
func (o *Order) Triggered(observed decimal.Decimal) bool {
	switch o.Side {
	case SideBuy:
		return observed.LessThanOrEqual(o.LevelPrice)
	case SideSell:
		return observed.GreaterThanOrEqual(o.LevelPrice)
	}
	return false
}
