// Package execution applies detected transitions atomically: cash, holdings,
// realised P&L, order states, and the mandatory buy-sell cycle rule.
package execution

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/modules/grid"
)

// Trade sources
const (
	SourceGrid   = "GRID"
	SourceManual = "MANUAL"
)

// Trade is one executed fill in the ledger
type Trade struct {
	ID             string           `json:"id"`
	PortfolioID    string           `json:"portfolio_id"`
	GridID         string           `json:"grid_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Side           grid.Side        `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          decimal.Decimal  `json:"price"`
	TriggerPrice   *decimal.Decimal `json:"trigger_price,omitempty"`
	Fees           decimal.Decimal  `json:"fees"`
	Source         string           `json:"source"`
	RealizedProfit *decimal.Decimal `json:"realized_profit,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	ExecutedAt     time.Time        `json:"executed_at"`
}

// TradeRepository handles the trade ledger
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// InsertTx records a trade inside a transaction
func (r *TradeRepository) InsertTx(tx *sql.Tx, t *Trade) error {
	var trigger, realized interface{}
	if t.TriggerPrice != nil {
		trigger = t.TriggerPrice.String()
	}
	if t.RealizedProfit != nil {
		realized = t.RealizedProfit.String()
	}

	_, err := tx.Exec(`INSERT INTO trades
		(id, portfolio_id, grid_id, symbol, side, quantity, price, trigger_price, fees, source, realized_profit, notes, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PortfolioID, nullIfEmpty(t.GridID), t.Symbol, string(t.Side),
		t.Quantity.String(), t.Price.String(), trigger, t.Fees.String(),
		t.Source, realized, nullIfEmpty(t.Notes), t.ExecutedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// History returns trades for a portfolio, newest first
func (r *TradeRepository) History(portfolioID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`SELECT id, portfolio_id, grid_id, symbol, side, quantity, price,
		trigger_price, fees, source, realized_profit, notes, executed_at
		FROM trades WHERE portfolio_id = ? ORDER BY executed_at DESC LIMIT ?`,
		portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			t                Trade
			gridID           sql.NullString
			side, qty, price string
			trigger          sql.NullString
			fees             string
			realized         sql.NullString
			notes            sql.NullString
			executedAt       int64
		)
		err := rows.Scan(&t.ID, &t.PortfolioID, &gridID, &t.Symbol, &side, &qty, &price,
			&trigger, &fees, &t.Source, &realized, &notes, &executedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		t.GridID = gridID.String
		t.Side = grid.Side(side)
		t.Notes = notes.String
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("bad quantity for trade %s: %w", t.ID, err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("bad price for trade %s: %w", t.ID, err)
		}
		if t.Fees, err = decimal.NewFromString(fees); err != nil {
			return nil, fmt.Errorf("bad fees for trade %s: %w", t.ID, err)
		}
		if trigger.Valid {
			d, err := decimal.NewFromString(trigger.String)
			if err != nil {
				return nil, fmt.Errorf("bad trigger price for trade %s: %w", t.ID, err)
			}
			t.TriggerPrice = &d
		}
		if realized.Valid {
			d, err := decimal.NewFromString(realized.String)
			if err != nil {
				return nil, fmt.Errorf("bad realized profit for trade %s: %w", t.ID, err)
			}
			t.RealizedProfit = &d
		}
		t.ExecutedAt = time.Unix(executedAt, 0)

		trades = append(trades, t)
	}

	return trades, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
