package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/modules/execution"
	"github.com/mkarlis/gridtrader/internal/server/httpx"
)

type createTransactionRequest struct {
	PortfolioID     string          `json:"portfolio_id"`
	Symbol          string          `json:"symbol"`
	TransactionType string          `json:"transaction_type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Fees            decimal.Decimal `json:"fees"`
	Notes           string          `json:"notes"`
}

// handleCreateTransaction applies a manual buy/sell through the execution
// engine. Validation failures map to 400, business rejections to 409.
func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
		return
	}

	trade, err := s.engine.ApplyManual(r.Context(), execution.ManualRequest{
		PortfolioID: req.PortfolioID,
		Symbol:      req.Symbol,
		Type:        req.TransactionType,
		Quantity:    req.Quantity,
		Price:       req.Price,
		Fees:        req.Fees,
		Notes:       req.Notes,
	})
	if err != nil {
		var valErr *execution.ValidationError
		var bizErr *execution.BusinessError
		switch {
		case errors.As(err, &valErr):
			httpx.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", valErr.Message)
		case errors.As(err, &bizErr):
			httpx.WriteError(w, http.StatusConflict, bizErr.Code, bizErr.Message)
		default:
			s.log.Error().Err(err).Msg("Failed to apply manual transaction")
			httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to apply transaction")
		}
		return
	}

	httpx.WriteData(w, http.StatusCreated, trade)
}

// handleListTrades returns the trade ledger for a portfolio, newest first
func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	portfolioID := r.URL.Query().Get("portfolio_id")
	if portfolioID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "portfolio_id is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	trades, err := s.trades.History(portfolioID, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list trades")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to list trades")
		return
	}
	if trades == nil {
		trades = []execution.Trade{}
	}

	httpx.WriteData(w, http.StatusOK, trades)
}
