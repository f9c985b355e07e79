package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mkarlis/gridtrader/internal/market"
	"github.com/mkarlis/gridtrader/internal/server/httpx"
)

// systemHealthResponse is the system health payload
type systemHealthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	Database      string  `json:"database"`
}

// handleSystemHealth returns process and database health
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	resp := systemHealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Database:      "ok",
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemPercent = vm.UsedPercent
		resp.MemUsedMB = float64(vm.Used) / 1024 / 1024
	}

	status := http.StatusOK
	if err := s.db.QuickCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}

	httpx.WriteData(w, status, resp)
}

// marketStatus is the per-market entry of the market-hours response
type marketStatus struct {
	Market      string   `json:"market"`
	IsOpen      bool     `json:"is_open"`
	AllowsShort bool     `json:"allows_short"`
	Timezone    string   `json:"timezone"`
	Symbols     []string `json:"symbols"`
}

// handleMarketHoursStatus reports open/closed per market for the symbols of
// all ACTIVE grids.
func (s *Server) handleMarketHoursStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.grids.ListActive()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list active grids")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to list active grids")
		return
	}

	now := time.Now()
	byMarket := make(map[market.Market]*marketStatus)
	var order []market.Market
	for _, g := range active {
		rules := market.RulesFor(g.Symbol)
		ms, ok := byMarket[rules.Market]
		if !ok {
			ms = &marketStatus{
				Market:      string(rules.Market),
				IsOpen:      rules.IsOpenAt(now),
				AllowsShort: rules.AllowsShort,
				Timezone:    rules.Timezone.String(),
			}
			byMarket[rules.Market] = ms
			order = append(order, rules.Market)
		}
		ms.Symbols = appendUnique(ms.Symbols, g.Symbol)
	}

	statuses := make([]marketStatus, 0, len(order))
	for _, m := range order {
		statuses = append(statuses, *byMarket[m])
	}

	httpx.WriteData(w, http.StatusOK, map[string]interface{}{
		"markets":    statuses,
		"checked_at": now.UTC().Format(time.RFC3339),
	})
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
