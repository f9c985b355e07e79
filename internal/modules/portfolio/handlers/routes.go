package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all portfolio routes
func (h *PortfolioHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/portfolios", func(r chi.Router) {
		r.Get("/", h.HandleListPortfolios)
		r.Post("/", h.HandleCreatePortfolio)
		r.Get("/{id}", h.HandleGetPortfolio)
		r.Delete("/{id}", h.HandleDeletePortfolio)
		r.Post("/{id}/update-cash", h.HandleUpdateCash)
	})
}
