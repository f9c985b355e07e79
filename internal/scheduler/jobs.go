package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/market"
	"github.com/mkarlis/gridtrader/internal/marketdata"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
	"github.com/mkarlis/gridtrader/internal/modules/monitor"
	"github.com/mkarlis/gridtrader/internal/modules/portfolio"
)

// Lease task names
const (
	taskMonitorTick   = "monitor_tick"
	taskRebalanceScan = "rebalance_scan"
)

// activeSymbols collects the distinct symbols of all ACTIVE grids
func activeSymbols(grids *grid.Repository) ([]string, error) {
	active, err := grids.ListActive()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var symbols []string
	for _, g := range active {
		if _, ok := seen[g.Symbol]; !ok {
			seen[g.Symbol] = struct{}{}
			symbols = append(symbols, g.Symbol)
		}
	}
	return symbols, nil
}

// MonitorJob runs one detection tick. It is gated on at least one relevant
// market being open and on the tick lease, so restarts or slow ticks never
// run two passes concurrently.
type MonitorJob struct {
	monitor *monitor.Monitor
	grids   *grid.Repository
	leases  *LeaseStore
	holder  string
	cadence time.Duration
	log     zerolog.Logger
}

// NewMonitorJob creates the monitor tick job
func NewMonitorJob(m *monitor.Monitor, grids *grid.Repository, leases *LeaseStore, holder string, cadence time.Duration, log zerolog.Logger) *MonitorJob {
	return &MonitorJob{
		monitor: m,
		grids:   grids,
		leases:  leases,
		holder:  holder,
		cadence: cadence,
		log:     log.With().Str("job", "monitor_tick").Logger(),
	}
}

// Name returns the job name
func (j *MonitorJob) Name() string { return "monitor_tick" }

// Run executes one tick
func (j *MonitorJob) Run() error {
	now := time.Now()

	symbols, err := activeSymbols(j.grids)
	if err != nil {
		return err
	}
	if len(symbols) == 0 || !market.AnyOpen(symbols, now) {
		return nil
	}

	// The lease TTL undercuts the cadence so a crashed holder's lease is
	// stale by the time the next tick fires.
	ttl := j.cadence - j.cadence/10
	ok, err := j.leases.Acquire(taskMonitorTick, j.holder, ttl)
	if err != nil || !ok {
		return err
	}
	defer func() {
		if err := j.leases.Release(taskMonitorTick, j.holder); err != nil {
			j.log.Warn().Err(err).Msg("Failed to release tick lease")
		}
	}()

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(ttl))
	defer cancel()
	return j.monitor.Tick(ctx, now)
}

// PriceRefreshJob pulls fresh quotes for every symbol the system cares about
// (active grids plus held positions) into the price cache.
type PriceRefreshJob struct {
	upstream   marketdata.Provider
	cache      *marketdata.Cache
	grids      *grid.Repository
	portfolios *portfolio.Repository
	log        zerolog.Logger
}

// NewPriceRefreshJob creates the price refresh job
func NewPriceRefreshJob(upstream marketdata.Provider, cache *marketdata.Cache, grids *grid.Repository, portfolios *portfolio.Repository, log zerolog.Logger) *PriceRefreshJob {
	return &PriceRefreshJob{
		upstream:   upstream,
		cache:      cache,
		grids:      grids,
		portfolios: portfolios,
		log:        log.With().Str("job", "price_refresh").Logger(),
	}
}

// Name returns the job name
func (j *PriceRefreshJob) Name() string { return "price_refresh" }

// Run fetches and caches current prices
func (j *PriceRefreshJob) Run() error {
	symbols, err := activeSymbols(j.grids)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		seen[s] = struct{}{}
	}
	holdings, err := j.portfolios.AllHoldings()
	if err != nil {
		return err
	}
	for _, h := range holdings {
		if _, ok := seen[h.Symbol]; !ok {
			seen[h.Symbol] = struct{}{}
			symbols = append(symbols, h.Symbol)
		}
	}

	if len(symbols) == 0 || !market.AnyOpen(symbols, time.Now()) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ticks, err := j.upstream.CurrentPrices(ctx, symbols)
	if err != nil {
		return err
	}
	j.cache.PutAll(ticks)

	j.log.Debug().Int("symbols", len(symbols)).Int("quotes", len(ticks)).Msg("Prices refreshed")
	return nil
}

// RevaluationJob recomputes holding market values from the price cache
type RevaluationJob struct {
	portfolios *portfolio.Service
	cache      *marketdata.Cache
}

// NewRevaluationJob creates the revaluation job
func NewRevaluationJob(portfolios *portfolio.Service, cache *marketdata.Cache) *RevaluationJob {
	return &RevaluationJob{portfolios: portfolios, cache: cache}
}

// Name returns the job name
func (j *RevaluationJob) Name() string { return "portfolio_revaluation" }

// Run revalues all holdings against the latest cached prices
func (j *RevaluationJob) Run() error {
	ticks := j.cache.GetAll(j.cache.Symbols())
	if len(ticks) == 0 {
		return nil
	}

	prices := make(map[string]decimal.Decimal, len(ticks))
	for sym, t := range ticks {
		prices[sym] = t.Price
	}
	return j.portfolios.Revalue(prices)
}

// DispatchJob drains one batch of undispatched alerts
type DispatchJob struct {
	dispatcher *alerts.Dispatcher
}

// NewDispatchJob creates the alert dispatch job
func NewDispatchJob(d *alerts.Dispatcher) *DispatchJob {
	return &DispatchJob{dispatcher: d}
}

// Name returns the job name
func (j *DispatchJob) Name() string { return "alert_dispatch" }

// Run processes one dispatcher batch
func (j *DispatchJob) Run() error {
	return j.dispatcher.RunOnce()
}

// RebalanceScanJob replans drifted DYNAMIC grids under a lease
type RebalanceScanJob struct {
	monitor *monitor.Monitor
	leases  *LeaseStore
	holder  string
	cadence time.Duration
	log     zerolog.Logger
}

// NewRebalanceScanJob creates the rebalance scan job
func NewRebalanceScanJob(m *monitor.Monitor, leases *LeaseStore, holder string, cadence time.Duration, log zerolog.Logger) *RebalanceScanJob {
	return &RebalanceScanJob{
		monitor: m,
		leases:  leases,
		holder:  holder,
		cadence: cadence,
		log:     log.With().Str("job", "rebalance_scan").Logger(),
	}
}

// Name returns the job name
func (j *RebalanceScanJob) Name() string { return "rebalance_scan" }

// Run scans for drifted grids and rebalances them
func (j *RebalanceScanJob) Run() error {
	now := time.Now()

	ttl := j.cadence - j.cadence/10
	ok, err := j.leases.Acquire(taskRebalanceScan, j.holder, ttl)
	if err != nil || !ok {
		return err
	}
	defer func() {
		if err := j.leases.Release(taskRebalanceScan, j.holder); err != nil {
			j.log.Warn().Err(err).Msg("Failed to release rebalance lease")
		}
	}()

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(ttl))
	defer cancel()
	return j.monitor.ScanRebalance(ctx, now)
}
