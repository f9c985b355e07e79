package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all grid routes
func (h *GridHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/grids", func(r chi.Router) {
		r.Get("/", h.HandleListGrids)
		r.Post("/", h.HandleCreateGrid)
		r.Get("/{id}", h.HandleGetGrid)
		r.Delete("/{id}", h.HandleDeleteGrid)
	})
}
