package execution

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
)

// ValidationError is a bad manual-transaction request (HTTP 400)
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// BusinessError is a rule rejection such as insufficient cash (HTTP 409)
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// ManualRequest is a user-entered transaction applied through the same
// cash/holding mutation path as grid fills, recorded with source = MANUAL.
type ManualRequest struct {
	PortfolioID string
	Symbol      string
	Type        string // "buy" or "sell"
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Fees        decimal.Decimal
	Notes       string
}

// ApplyManual validates and applies a manual transaction
func (e *Engine) ApplyManual(ctx context.Context, req ManualRequest) (*Trade, error) {
	side, err := validateManual(&req)
	if err != nil {
		return nil, err
	}

	var trade *Trade
	err = database.WithRetryableTransaction(e.db.Conn(), func(tx *sql.Tx) error {
		trade = nil

		p, err := e.portfolios.GetByIDTx(tx, req.PortfolioID)
		if err != nil {
			return err
		}
		if p == nil {
			return &ValidationError{Message: fmt.Sprintf("portfolio %s not found", req.PortfolioID)}
		}

		now := time.Now()

		switch side {
		case grid.SideBuy:
			cost := grid.RoundCash(req.Quantity.Mul(req.Price).Add(req.Fees))
			if p.CashBalance.LessThan(cost) {
				return &BusinessError{
					Code:    "INSUFFICIENT_CASH",
					Message: fmt.Sprintf("need %s, have %s", cost, p.CashBalance),
				}
			}
			if err := e.portfolios.UpdateCashTx(tx, p.ID, grid.RoundCash(p.CashBalance.Sub(cost))); err != nil {
				return err
			}
			if err := e.addToHolding(tx, p.ID, req.Symbol, req.Quantity, req.Price, now); err != nil {
				return err
			}

			trade = &Trade{
				ID: uuid.New().String(), PortfolioID: p.ID, Symbol: req.Symbol,
				Side: grid.SideBuy, Quantity: req.Quantity, Price: req.Price,
				Fees: req.Fees, Source: SourceManual, Notes: req.Notes, ExecutedAt: now,
			}

		case grid.SideSell:
			holding, err := e.portfolios.GetHoldingTx(tx, p.ID, req.Symbol)
			if err != nil {
				return err
			}
			if holding == nil || holding.Quantity.LessThan(req.Quantity) {
				held := decimal.Zero
				if holding != nil {
					held = holding.Quantity
				}
				return &BusinessError{
					Code:    "INSUFFICIENT_HOLDING",
					Message: fmt.Sprintf("need %s shares of %s, have %s", req.Quantity, req.Symbol, held),
				}
			}

			proceeds := grid.RoundCash(req.Quantity.Mul(req.Price).Sub(req.Fees))
			if err := e.portfolios.UpdateCashTx(tx, p.ID, grid.RoundCash(p.CashBalance.Add(proceeds))); err != nil {
				return err
			}

			realized := grid.RoundCash(req.Quantity.Mul(req.Price.Sub(holding.AverageCost)))

			holding.Quantity = grid.RoundQty(holding.Quantity.Sub(req.Quantity))
			holding.UpdatedAt = now
			if err := e.portfolios.UpsertHoldingTx(tx, holding); err != nil {
				return err
			}

			trade = &Trade{
				ID: uuid.New().String(), PortfolioID: p.ID, Symbol: req.Symbol,
				Side: grid.SideSell, Quantity: req.Quantity, Price: req.Price,
				Fees: req.Fees, Source: SourceManual, RealizedProfit: &realized,
				Notes: req.Notes, ExecutedAt: now,
			}
		}

		return e.trades.InsertTx(tx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("portfolio_id", req.PortfolioID).
		Str("symbol", req.Symbol).
		Str("side", string(side)).
		Str("quantity", req.Quantity.String()).
		Str("price", req.Price.String()).
		Msg("Manual transaction applied")

	return trade, nil
}

func validateManual(req *ManualRequest) (grid.Side, error) {
	if req.PortfolioID == "" || req.Symbol == "" {
		return "", &ValidationError{Message: "portfolio_id and symbol are required"}
	}
	if !req.Quantity.IsPositive() {
		return "", &ValidationError{Message: "quantity must be positive"}
	}
	if !req.Price.IsPositive() {
		return "", &ValidationError{Message: "price must be positive"}
	}
	if req.Fees.IsNegative() {
		return "", &ValidationError{Message: "fees cannot be negative"}
	}

	switch strings.ToLower(req.Type) {
	case "buy":
		return grid.SideBuy, nil
	case "sell":
		return grid.SideSell, nil
	default:
		return "", &ValidationError{Message: "transaction_type must be buy or sell"}
	}
}
