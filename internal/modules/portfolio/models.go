// Package portfolio manages cash, holdings, and audit-tracked adjustments.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio owns cash and holdings. Cash never goes negative; fills that
// would overdraw are rejected by the execution engine.
type Portfolio struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Holding is one symbol position within a portfolio. A zero-quantity entry
// may remain after a full sell; average cost resets on the next acquisition.
type Holding struct {
	PortfolioID   string          `json:"portfolio_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CashAdjustment is an audit record of a manual cash balance change
type CashAdjustment struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	OldBalance  decimal.Decimal `json:"old_balance"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
