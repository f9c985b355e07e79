// Package handlers provides HTTP handlers for grid management.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/marketdata"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
	"github.com/mkarlis/gridtrader/internal/server/httpx"
)

// GridHandlers contains HTTP handlers for the grid API
type GridHandlers struct {
	planner *grid.Planner
	repo    *grid.Repository
	prices  *marketdata.Cache
	log     zerolog.Logger
}

// NewGridHandlers creates a new grid handlers instance
func NewGridHandlers(planner *grid.Planner, repo *grid.Repository, prices *marketdata.Cache, log zerolog.Logger) *GridHandlers {
	return &GridHandlers{
		planner: planner,
		repo:    repo,
		prices:  prices,
		log:     log.With().Str("handler", "grid").Logger(),
	}
}

type createGridRequest struct {
	PortfolioID      string               `json:"portfolio_id"`
	Symbol           string               `json:"symbol"`
	Name             string               `json:"name"`
	LowerPrice       decimal.Decimal      `json:"lower_price"`
	UpperPrice       decimal.Decimal      `json:"upper_price"`
	GridCount        int                  `json:"grid_count"`
	InvestmentAmount decimal.Decimal      `json:"investment_amount"`
	StrategyConfig   *grid.StrategyConfig `json:"strategy_config,omitempty"`
}

// HandleCreateGrid plans and persists a new grid
// POST /api/grids
func (h *GridHandlers) HandleCreateGrid(w http.ResponseWriter, r *http.Request) {
	var req createGridRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	planReq := grid.PlanRequest{
		PortfolioID:      req.PortfolioID,
		Symbol:           req.Symbol,
		Name:             req.Name,
		LowerPrice:       req.LowerPrice,
		UpperPrice:       req.UpperPrice,
		LevelCount:       req.GridCount,
		InvestmentAmount: req.InvestmentAmount,
	}
	if req.StrategyConfig != nil {
		planReq.Strategy = *req.StrategyConfig
	}

	g, err := h.planner.Plan(r.Context(), planReq)
	if err != nil {
		var planErr *grid.PlanError
		if errors.As(err, &planErr) {
			httpx.WriteError(w, http.StatusBadRequest, planErr.Code, planErr.Message)
			return
		}
		h.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Grid creation failed")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to create grid")
		return
	}

	httpx.WriteData(w, http.StatusCreated, map[string]string{"grid_id": g.ID})
}

// HandleListGrids returns grids with price and P&L summary
// GET /api/grids?portfolio_id&symbol&status
func (h *GridHandlers) HandleListGrids(w http.ResponseWriter, r *http.Request) {
	filter := grid.ListFilter{
		PortfolioID: r.URL.Query().Get("portfolio_id"),
		Symbol:      r.URL.Query().Get("symbol"),
		Status:      grid.Status(r.URL.Query().Get("status")),
	}

	grids, err := h.repo.List(filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list grids")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to list grids")
		return
	}

	response := make([]map[string]interface{}, 0, len(grids))
	for _, g := range grids {
		summary, err := h.gridSummary(&g)
		if err != nil {
			h.log.Error().Err(err).Str("grid_id", g.ID).Msg("Failed to summarise grid")
			httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to list grids")
			return
		}
		response = append(response, summary)
	}

	httpx.WriteData(w, http.StatusOK, response)
}

// HandleGetGrid returns full grid detail including the order ladder
// GET /api/grids/{id}
func (h *GridHandlers) HandleGetGrid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	g, err := h.repo.GetByID(id)
	if err != nil {
		h.log.Error().Err(err).Str("grid_id", id).Msg("Failed to get grid")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to get grid")
		return
	}
	if g == nil {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Grid not found")
		return
	}

	orders, err := h.repo.OrdersByGrid(id)
	if err != nil {
		h.log.Error().Err(err).Str("grid_id", id).Msg("Failed to load orders")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "Failed to get grid")
		return
	}

	detail := map[string]interface{}{
		"grid":    g,
		"spacing": g.Spacing().String(),
		"orders":  orders,
	}
	if tick, ok := h.prices.Get(g.Symbol); ok {
		detail["current_price"] = tick.Price.String()
	}

	httpx.WriteData(w, http.StatusOK, detail)
}

// HandleDeleteGrid cancels a grid and its PENDING orders; holdings stay
// DELETE /api/grids/{id}
func (h *GridHandlers) HandleDeleteGrid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.planner.Delete(id); err != nil {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	httpx.WriteData(w, http.StatusOK, map[string]string{"deleted": id})
}

func (h *GridHandlers) gridSummary(g *grid.Grid) (map[string]interface{}, error) {
	orders, err := h.repo.OrdersByGrid(g.ID)
	if err != nil {
		return nil, err
	}

	var pending, filled, cancelled int
	for _, o := range orders {
		switch o.State {
		case grid.OrderPending:
			pending++
		case grid.OrderFilled:
			filled++
		case grid.OrderCancelled:
			cancelled++
		}
	}

	summary := map[string]interface{}{
		"id":                g.ID,
		"portfolio_id":      g.PortfolioID,
		"symbol":            g.Symbol,
		"name":              g.Name,
		"market":            string(g.Market),
		"status":            string(g.Status),
		"lower_price":       g.LowerPrice.String(),
		"upper_price":       g.UpperPrice.String(),
		"level_count":       g.LevelCount,
		"investment_amount": g.InvestmentAmount.String(),
		"realized_profit":   g.RealizedProfit.String(),
		"over_boundary_qty": g.OverBoundaryQty.String(),
		"pending_orders":    pending,
		"filled_orders":     filled,
		"cancelled_orders":  cancelled,
		"created_at":        g.CreatedAt,
	}
	if g.LastRebalancedAt != nil {
		summary["last_rebalanced_at"] = g.LastRebalancedAt
	}
	if tick, ok := h.prices.Get(g.Symbol); ok {
		summary["current_price"] = tick.Price.String()
	}

	return summary, nil
}
