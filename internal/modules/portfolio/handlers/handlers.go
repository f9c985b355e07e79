// Package handlers provides HTTP handlers for portfolio operations.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/modules/portfolio"
	"github.com/mkarlis/gridtrader/internal/server/httpx"
)

// PortfolioHandlers contains HTTP handlers for the portfolio API
type PortfolioHandlers struct {
	service *portfolio.Service
	log     zerolog.Logger
}

// NewPortfolioHandlers creates a new portfolio handlers instance
func NewPortfolioHandlers(service *portfolio.Service, log zerolog.Logger) *PortfolioHandlers {
	return &PortfolioHandlers{
		service: service,
		log:     log.With().Str("handler", "portfolio").Logger(),
	}
}

// HandleCreatePortfolio creates a portfolio
// POST /api/portfolios
func (h *PortfolioHandlers) HandleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string          `json:"name"`
		OpeningCash decimal.Decimal `json:"opening_cash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	p, err := h.service.CreatePortfolio(req.Name, req.OpeningCash)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	httpx.WriteData(w, http.StatusCreated, p)
}

// HandleGetPortfolio returns a portfolio with holdings
// GET /api/portfolios/{id}
func (h *PortfolioHandlers) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, holdings, err := h.service.Get(id)
	if err != nil {
		h.log.Error().Err(err).Str("portfolio_id", id).Msg("Failed to get portfolio")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to get portfolio")
		return
	}
	if p == nil {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Portfolio not found")
		return
	}

	httpx.WriteData(w, http.StatusOK, map[string]interface{}{
		"portfolio": p,
		"holdings":  holdings,
	})
}

// HandleListPortfolios returns all portfolios
// GET /api/portfolios
func (h *PortfolioHandlers) HandleListPortfolios(w http.ResponseWriter, r *http.Request) {
	// Listing goes through the repository-backed service
	portfolios, err := h.service.ListPortfolios()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list portfolios")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to list portfolios")
		return
	}
	httpx.WriteData(w, http.StatusOK, portfolios)
}

// HandleUpdateCash performs an audit-tracked cash adjustment
// POST /api/portfolios/{id}/update-cash
func (h *PortfolioHandlers) HandleUpdateCash(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		NewCashBalance decimal.Decimal `json:"new_cash_balance"`
		Notes          string          `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	adj, err := h.service.UpdateCash(id, req.NewCashBalance, req.Notes)
	if err != nil {
		h.log.Warn().Err(err).Str("portfolio_id", id).Msg("Cash adjustment rejected")
		httpx.WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	httpx.WriteData(w, http.StatusOK, adj)
}

// HandleDeletePortfolio deletes a portfolio and everything it owns
// DELETE /api/portfolios/{id}
func (h *PortfolioHandlers) HandleDeletePortfolio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.DeletePortfolio(id); err != nil {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	httpx.WriteData(w, http.StatusOK, map[string]string{"deleted": id})
}
