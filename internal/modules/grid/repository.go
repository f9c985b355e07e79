package grid

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/market"
)

// Repository handles grid and order persistence. Tx-suffixed methods run
// inside a caller-owned transaction.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new grid repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "grid").Logger(),
	}
}

const gridColumns = `id, portfolio_id, symbol, name, market, lower_price, upper_price,
	level_count, investment_amount, status, strategy_config, over_boundary_qty,
	realized_profit, created_at, last_rebalanced_at`

const orderColumns = `id, grid_id, level_index, level_price, side, quantity, state,
	paired_level, cancel_reason, filled_at, filled_price, trigger_price,
	realized_profit, created_at`

// CreateTx persists a grid and its initial order set atomically
func (r *Repository) CreateTx(tx *sql.Tx, g *Grid, orders []Order) error {
	strategyJSON, err := json.Marshal(g.Strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy config: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO grids
		(id, portfolio_id, symbol, name, market, lower_price, upper_price, level_count,
		 investment_amount, status, strategy_config, over_boundary_qty, realized_profit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.PortfolioID, g.Symbol, g.Name, string(g.Market),
		g.LowerPrice.String(), g.UpperPrice.String(), g.LevelCount,
		g.InvestmentAmount.String(), string(g.Status), string(strategyJSON),
		g.OverBoundaryQty.String(), g.RealizedProfit.String(), g.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert grid: %w", err)
	}

	for i := range orders {
		if err := r.InsertOrderTx(tx, &orders[i]); err != nil {
			return err
		}
	}

	return nil
}

// GetByID returns a grid, or nil if not found
func (r *Repository) GetByID(id string) (*Grid, error) {
	return scanGrid(r.db.QueryRow(`SELECT `+gridColumns+` FROM grids WHERE id = ?`, id))
}

// GetByIDTx returns a grid inside a transaction
func (r *Repository) GetByIDTx(tx *sql.Tx, id string) (*Grid, error) {
	return scanGrid(tx.QueryRow(`SELECT `+gridColumns+` FROM grids WHERE id = ?`, id))
}

// Exists reports whether a grid row exists (dispatcher suppression check)
func (r *Repository) Exists(id string) (bool, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM grids WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check grid existence: %w", err)
	}
	return count > 0, nil
}

// ListFilter narrows List results
type ListFilter struct {
	PortfolioID string
	Symbol      string
	Status      Status
}

// List returns grids matching the filter
func (r *Repository) List(f ListFilter) ([]Grid, error) {
	query := `SELECT ` + gridColumns + ` FROM grids WHERE 1=1`
	var args []interface{}

	if f.PortfolioID != "" {
		query += " AND portfolio_id = ?"
		args = append(args, f.PortfolioID)
	}
	if f.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grids: %w", err)
	}
	defer rows.Close()

	var grids []Grid
	for rows.Next() {
		g, err := scanGridRows(rows)
		if err != nil {
			return nil, err
		}
		grids = append(grids, *g)
	}
	return grids, rows.Err()
}

// ListActive returns all ACTIVE grids
func (r *Repository) ListActive() ([]Grid, error) {
	return r.List(ListFilter{Status: StatusActive})
}

// UpdateStatus sets the grid status
func (r *Repository) UpdateStatus(id string, status Status) error {
	res, err := r.db.Exec(`UPDATE grids SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update grid status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("grid %s not found", id)
	}
	return nil
}

// UpdateStatusTx sets the grid status inside a transaction
func (r *Repository) UpdateStatusTx(tx *sql.Tx, id string, status Status) error {
	_, err := tx.Exec(`UPDATE grids SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update grid status: %w", err)
	}
	return nil
}

// Delete removes a grid; orders cascade
func (r *Repository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM grids WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete grid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("grid %s not found", id)
	}
	return nil
}

// AddRealizedProfitTx accumulates realised profit on the grid and returns the
// new cumulative total.
func (r *Repository) AddRealizedProfitTx(tx *sql.Tx, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	if err := tx.QueryRow(`SELECT realized_profit FROM grids WHERE id = ?`, id).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to read grid profit: %w", err)
	}
	current, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad realized profit for grid %s: %w", id, err)
	}

	total := current.Add(delta)
	if _, err := tx.Exec(`UPDATE grids SET realized_profit = ? WHERE id = ?`, total.String(), id); err != nil {
		return decimal.Zero, fmt.Errorf("failed to update grid profit: %w", err)
	}
	return total, nil
}

// AddOverBoundaryTx parks quantity as over-boundary inventory on the grid
func (r *Repository) AddOverBoundaryTx(tx *sql.Tx, id string, qty decimal.Decimal) error {
	var raw string
	if err := tx.QueryRow(`SELECT over_boundary_qty FROM grids WHERE id = ?`, id).Scan(&raw); err != nil {
		return fmt.Errorf("failed to read over-boundary quantity: %w", err)
	}
	current, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("bad over-boundary quantity for grid %s: %w", id, err)
	}

	_, err = tx.Exec(`UPDATE grids SET over_boundary_qty = ? WHERE id = ?`,
		current.Add(qty).String(), id)
	if err != nil {
		return fmt.Errorf("failed to update over-boundary quantity: %w", err)
	}
	return nil
}

// UpdateBoundsTx rewrites bounds, strategy, and the rebalance stamp (rebalance path)
func (r *Repository) UpdateBoundsTx(tx *sql.Tx, id string, lower, upper decimal.Decimal, strategy StrategyConfig, at time.Time) error {
	strategyJSON, err := json.Marshal(strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy config: %w", err)
	}

	_, err = tx.Exec(`UPDATE grids SET lower_price = ?, upper_price = ?, strategy_config = ?, last_rebalanced_at = ?
		WHERE id = ?`, lower.String(), upper.String(), string(strategyJSON), at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update grid bounds: %w", err)
	}
	return nil
}

// InsertOrderTx persists one order inside a transaction
func (r *Repository) InsertOrderTx(tx *sql.Tx, o *Order) error {
	var paired interface{}
	if o.PairedLevel != nil {
		paired = *o.PairedLevel
	}

	_, err := tx.Exec(`INSERT INTO orders
		(id, grid_id, level_index, level_price, side, quantity, state, paired_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.GridID, o.LevelIndex, o.LevelPrice.String(), string(o.Side),
		o.Quantity.String(), string(o.State), paired, o.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert order at level %d: %w", o.LevelIndex, err)
	}
	return nil
}

// OrdersByGrid returns the full order ladder, level order then creation order
func (r *Repository) OrdersByGrid(gridID string) ([]Order, error) {
	rows, err := r.db.Query(`SELECT `+orderColumns+` FROM orders
		WHERE grid_id = ? ORDER BY level_index, created_at`, gridID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// PendingOrders returns PENDING orders for a grid
func (r *Repository) PendingOrders(gridID string) ([]Order, error) {
	rows, err := r.db.Query(`SELECT `+orderColumns+` FROM orders
		WHERE grid_id = ? AND state = ? ORDER BY level_index`, gridID, string(OrderPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetOrderTx re-reads one order inside a transaction
func (r *Repository) GetOrderTx(tx *sql.Tx, id string) (*Order, error) {
	return scanOrder(tx.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
}

// PendingOrderAtLevelTx returns the PENDING order at a level with the given
// side, or nil. Used at fill time: a fill never duplicates an order that is
// already waiting at the paired level.
func (r *Repository) PendingOrderAtLevelTx(tx *sql.Tx, gridID string, level int, side Side) (*Order, error) {
	return scanOrder(tx.QueryRow(`SELECT `+orderColumns+` FROM orders
		WHERE grid_id = ? AND level_index = ? AND side = ? AND state = ?`,
		gridID, level, string(side), string(OrderPending)))
}

// CountPendingTx returns the number of PENDING orders for a grid
func (r *Repository) CountPendingTx(tx *sql.Tx, gridID string) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM orders WHERE grid_id = ? AND state = ?`,
		gridID, string(OrderPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending orders: %w", err)
	}
	return n, nil
}

// MarkOrderFilledTx transitions an order to FILLED
func (r *Repository) MarkOrderFilledTx(tx *sql.Tx, id string, filledPrice, triggerPrice decimal.Decimal, at time.Time, realizedProfit *decimal.Decimal) error {
	var realized interface{}
	if realizedProfit != nil {
		realized = realizedProfit.String()
	}

	_, err := tx.Exec(`UPDATE orders SET state = ?, filled_at = ?, filled_price = ?, trigger_price = ?, realized_profit = ?
		WHERE id = ?`, string(OrderFilled), at.Unix(), filledPrice.String(), triggerPrice.String(), realized, id)
	if err != nil {
		return fmt.Errorf("failed to mark order filled: %w", err)
	}
	return nil
}

// CancelOrderTx transitions an order to CANCELLED with a reason
func (r *Repository) CancelOrderTx(tx *sql.Tx, id, reason string) error {
	_, err := tx.Exec(`UPDATE orders SET state = ?, cancel_reason = ? WHERE id = ?`,
		string(OrderCancelled), reason, id)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// CancelPendingTx cancels all PENDING orders of a grid (delete / rebalance)
func (r *Repository) CancelPendingTx(tx *sql.Tx, gridID, reason string) (int, error) {
	res, err := tx.Exec(`UPDATE orders SET state = ?, cancel_reason = ?
		WHERE grid_id = ? AND state = ?`,
		string(OrderCancelled), reason, gridID, string(OrderPending))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending orders: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGridFrom(s rowScanner) (*Grid, error) {
	var (
		g                       Grid
		mkt, status             string
		lower, upper, inv       string
		strategyJSON            string
		overQty, profit         string
		createdAt               int64
		lastRebalanced          sql.NullInt64
	)
	err := s.Scan(&g.ID, &g.PortfolioID, &g.Symbol, &g.Name, &mkt, &lower, &upper,
		&g.LevelCount, &inv, &status, &strategyJSON, &overQty, &profit,
		&createdAt, &lastRebalanced)
	if err != nil {
		return nil, err
	}

	g.Market = market.Market(mkt)
	g.Status = Status(status)
	if g.LowerPrice, err = decimal.NewFromString(lower); err != nil {
		return nil, fmt.Errorf("bad lower price for grid %s: %w", g.ID, err)
	}
	if g.UpperPrice, err = decimal.NewFromString(upper); err != nil {
		return nil, fmt.Errorf("bad upper price for grid %s: %w", g.ID, err)
	}
	if g.InvestmentAmount, err = decimal.NewFromString(inv); err != nil {
		return nil, fmt.Errorf("bad investment amount for grid %s: %w", g.ID, err)
	}
	if g.OverBoundaryQty, err = decimal.NewFromString(overQty); err != nil {
		return nil, fmt.Errorf("bad over-boundary quantity for grid %s: %w", g.ID, err)
	}
	if g.RealizedProfit, err = decimal.NewFromString(profit); err != nil {
		return nil, fmt.Errorf("bad realized profit for grid %s: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(strategyJSON), &g.Strategy); err != nil {
		return nil, fmt.Errorf("bad strategy config for grid %s: %w", g.ID, err)
	}
	g.CreatedAt = time.Unix(createdAt, 0)
	if lastRebalanced.Valid {
		t := time.Unix(lastRebalanced.Int64, 0)
		g.LastRebalancedAt = &t
	}
	return &g, nil
}

func scanGrid(row *sql.Row) (*Grid, error) {
	g, err := scanGridFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grid: %w", err)
	}
	return g, nil
}

func scanGridRows(rows *sql.Rows) (*Grid, error) {
	g, err := scanGridFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan grid: %w", err)
	}
	return g, nil
}

func scanOrderFrom(s rowScanner) (*Order, error) {
	var (
		o                  Order
		levelPrice, qty    string
		side, state        string
		paired             sql.NullInt64
		cancelReason       sql.NullString
		filledAt           sql.NullInt64
		filledPrice        sql.NullString
		triggerPrice       sql.NullString
		realized           sql.NullString
		createdAt          int64
	)
	err := s.Scan(&o.ID, &o.GridID, &o.LevelIndex, &levelPrice, &side, &qty, &state,
		&paired, &cancelReason, &filledAt, &filledPrice, &triggerPrice, &realized, &createdAt)
	if err != nil {
		return nil, err
	}

	o.Side = Side(side)
	o.State = OrderState(state)
	if o.LevelPrice, err = decimal.NewFromString(levelPrice); err != nil {
		return nil, fmt.Errorf("bad level price for order %s: %w", o.ID, err)
	}
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("bad quantity for order %s: %w", o.ID, err)
	}
	if paired.Valid {
		p := int(paired.Int64)
		o.PairedLevel = &p
	}
	o.CancelReason = cancelReason.String
	if filledAt.Valid {
		t := time.Unix(filledAt.Int64, 0)
		o.FilledAt = &t
	}
	if filledPrice.Valid {
		d, err := decimal.NewFromString(filledPrice.String)
		if err != nil {
			return nil, fmt.Errorf("bad filled price for order %s: %w", o.ID, err)
		}
		o.FilledPrice = &d
	}
	if triggerPrice.Valid {
		d, err := decimal.NewFromString(triggerPrice.String)
		if err != nil {
			return nil, fmt.Errorf("bad trigger price for order %s: %w", o.ID, err)
		}
		o.TriggerPrice = &d
	}
	if realized.Valid {
		d, err := decimal.NewFromString(realized.String)
		if err != nil {
			return nil, fmt.Errorf("bad realized profit for order %s: %w", o.ID, err)
		}
		o.RealizedProfit = &d
	}
	o.CreatedAt = time.Unix(createdAt, 0)
	return &o, nil
}

func scanOrder(row *sql.Row) (*Order, error) {
	o, err := scanOrderFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var orders []Order
	for rows.Next() {
		o, err := scanOrderFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
