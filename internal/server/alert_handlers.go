package server

import (
	"net/http"
	"strconv"

	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/server/httpx"
)

// handleListAlerts returns persisted alerts, newest first.
// GET /api/alerts?grid_id&kind&limit
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f := alerts.ListFilter{
		GridID: r.URL.Query().Get("grid_id"),
		Kind:   alerts.Kind(r.URL.Query().Get("kind")),
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	list, err := s.alerts.List(f)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list alerts")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to list alerts")
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}

	httpx.WriteData(w, http.StatusOK, list)
}
