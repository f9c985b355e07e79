package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Repository handles portfolio, holding, and cash-adjustment persistence.
// Tx-suffixed methods run inside a caller-owned transaction; the execution
// engine uses them to keep fills atomic.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new portfolio repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// Create persists a new portfolio
func (r *Repository) Create(p *Portfolio) error {
	_, err := r.db.Exec(`INSERT INTO portfolios (id, name, cash_balance, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.CashBalance.String(), p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert portfolio: %w", err)
	}
	return nil
}

// GetByID returns a portfolio, or nil if not found
func (r *Repository) GetByID(id string) (*Portfolio, error) {
	return scanPortfolio(r.db.QueryRow(
		`SELECT id, name, cash_balance, created_at FROM portfolios WHERE id = ?`, id))
}

// ExistsTx reports whether a portfolio row exists inside a transaction
func (r *Repository) ExistsTx(tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM portfolios WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check portfolio %s: %w", id, err)
	}
	return n > 0, nil
}

// GetByIDTx returns a portfolio inside a transaction
func (r *Repository) GetByIDTx(tx *sql.Tx, id string) (*Portfolio, error) {
	return scanPortfolio(tx.QueryRow(
		`SELECT id, name, cash_balance, created_at FROM portfolios WHERE id = ?`, id))
}

// List returns all portfolios
func (r *Repository) List() ([]Portfolio, error) {
	rows, err := r.db.Query(`SELECT id, name, cash_balance, created_at FROM portfolios ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	defer rows.Close()

	var out []Portfolio
	for rows.Next() {
		var (
			p         Portfolio
			cash      string
			createdAt int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &cash, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		p.CashBalance, err = decimal.NewFromString(cash)
		if err != nil {
			return nil, fmt.Errorf("bad cash balance for portfolio %s: %w", p.ID, err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a portfolio; holdings, grids, orders, and cash adjustments
// cascade at the schema level.
func (r *Repository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM portfolios WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete portfolio: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("portfolio %s not found", id)
	}
	return nil
}

// UpdateCashTx sets the cash balance inside a transaction
func (r *Repository) UpdateCashTx(tx *sql.Tx, id string, balance decimal.Decimal) error {
	res, err := tx.Exec(`UPDATE portfolios SET cash_balance = ? WHERE id = ?`, balance.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update cash balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("portfolio %s not found", id)
	}
	return nil
}

// GetHoldingTx returns one holding inside a transaction, or nil if absent
func (r *Repository) GetHoldingTx(tx *sql.Tx, portfolioID, symbol string) (*Holding, error) {
	row := tx.QueryRow(`SELECT portfolio_id, symbol, quantity, average_cost, market_value, unrealized_pnl, updated_at
		FROM holdings WHERE portfolio_id = ? AND symbol = ?`, portfolioID, symbol)
	return scanHolding(row)
}

// UpsertHoldingTx inserts or replaces a holding inside a transaction
func (r *Repository) UpsertHoldingTx(tx *sql.Tx, h *Holding) error {
	_, err := tx.Exec(`INSERT INTO holdings (portfolio_id, symbol, quantity, average_cost, market_value, unrealized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			average_cost = excluded.average_cost,
			market_value = excluded.market_value,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at = excluded.updated_at`,
		h.PortfolioID, h.Symbol, h.Quantity.String(), h.AverageCost.String(),
		h.MarketValue.String(), h.UnrealizedPnL.String(), h.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert holding %s: %w", h.Symbol, err)
	}
	return nil
}

// GetHoldings returns all holdings for a portfolio
func (r *Repository) GetHoldings(portfolioID string) ([]Holding, error) {
	rows, err := r.db.Query(`SELECT portfolio_id, symbol, quantity, average_cost, market_value, unrealized_pnl, updated_at
		FROM holdings WHERE portfolio_id = ? ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		h, err := scanHoldingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// AllHoldings returns every holding across portfolios (revaluation job)
func (r *Repository) AllHoldings() ([]Holding, error) {
	rows, err := r.db.Query(`SELECT portfolio_id, symbol, quantity, average_cost, market_value, unrealized_pnl, updated_at
		FROM holdings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		h, err := scanHoldingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// UpdateHoldingValuation refreshes market value and unrealised P&L
func (r *Repository) UpdateHoldingValuation(portfolioID, symbol string, marketValue, unrealizedPnL decimal.Decimal, at time.Time) error {
	_, err := r.db.Exec(`UPDATE holdings SET market_value = ?, unrealized_pnl = ?, updated_at = ?
		WHERE portfolio_id = ? AND symbol = ?`,
		marketValue.String(), unrealizedPnL.String(), at.Unix(), portfolioID, symbol)
	if err != nil {
		return fmt.Errorf("failed to update holding valuation for %s: %w", symbol, err)
	}
	return nil
}

// InsertCashAdjustmentTx records an audit entry for a manual cash change
func (r *Repository) InsertCashAdjustmentTx(tx *sql.Tx, adj *CashAdjustment) error {
	_, err := tx.Exec(`INSERT INTO cash_adjustments (id, portfolio_id, old_balance, new_balance, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		adj.ID, adj.PortfolioID, adj.OldBalance.String(), adj.NewBalance.String(),
		adj.Notes, adj.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert cash adjustment: %w", err)
	}
	return nil
}

// CashAdjustments returns the audit trail for a portfolio, newest first
func (r *Repository) CashAdjustments(portfolioID string) ([]CashAdjustment, error) {
	rows, err := r.db.Query(`SELECT id, portfolio_id, old_balance, new_balance, notes, created_at
		FROM cash_adjustments WHERE portfolio_id = ? ORDER BY created_at DESC`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cash adjustments: %w", err)
	}
	defer rows.Close()

	var out []CashAdjustment
	for rows.Next() {
		var (
			adj              CashAdjustment
			oldBal, newBal   string
			notes            sql.NullString
			createdAt        int64
		)
		if err := rows.Scan(&adj.ID, &adj.PortfolioID, &oldBal, &newBal, &notes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cash adjustment: %w", err)
		}
		if adj.OldBalance, err = decimal.NewFromString(oldBal); err != nil {
			return nil, fmt.Errorf("bad old balance: %w", err)
		}
		if adj.NewBalance, err = decimal.NewFromString(newBal); err != nil {
			return nil, fmt.Errorf("bad new balance: %w", err)
		}
		adj.Notes = notes.String
		adj.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, adj)
	}
	return out, rows.Err()
}

func scanPortfolio(row *sql.Row) (*Portfolio, error) {
	var (
		p         Portfolio
		cash      string
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.Name, &cash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan portfolio: %w", err)
	}
	p.CashBalance, err = decimal.NewFromString(cash)
	if err != nil {
		return nil, fmt.Errorf("bad cash balance for portfolio %s: %w", p.ID, err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func scanHolding(row *sql.Row) (*Holding, error) {
	var (
		h                      Holding
		qty, avg, mv, pnl      string
		updatedAt              int64
	)
	err := row.Scan(&h.PortfolioID, &h.Symbol, &qty, &avg, &mv, &pnl, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan holding: %w", err)
	}
	return decodeHolding(&h, qty, avg, mv, pnl, updatedAt)
}

func scanHoldingRows(rows *sql.Rows) (*Holding, error) {
	var (
		h                 Holding
		qty, avg, mv, pnl string
		updatedAt         int64
	)
	if err := rows.Scan(&h.PortfolioID, &h.Symbol, &qty, &avg, &mv, &pnl, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan holding: %w", err)
	}
	return decodeHolding(&h, qty, avg, mv, pnl, updatedAt)
}

func decodeHolding(h *Holding, qty, avg, mv, pnl string, updatedAt int64) (*Holding, error) {
	var err error
	if h.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("bad quantity for %s: %w", h.Symbol, err)
	}
	if h.AverageCost, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("bad average cost for %s: %w", h.Symbol, err)
	}
	if h.MarketValue, err = decimal.NewFromString(mv); err != nil {
		return nil, fmt.Errorf("bad market value for %s: %w", h.Symbol, err)
	}
	if h.UnrealizedPnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("bad unrealized pnl for %s: %w", h.Symbol, err)
	}
	h.UpdatedAt = time.Unix(updatedAt, 0)
	return h, nil
}
