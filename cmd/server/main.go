package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlis/gridtrader/internal/config"
	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/events"
	"github.com/mkarlis/gridtrader/internal/marketdata"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/execution"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
	gridhandlers "github.com/mkarlis/gridtrader/internal/modules/grid/handlers"
	"github.com/mkarlis/gridtrader/internal/modules/monitor"
	"github.com/mkarlis/gridtrader/internal/modules/portfolio"
	portfoliohandlers "github.com/mkarlis/gridtrader/internal/modules/portfolio/handlers"
	"github.com/mkarlis/gridtrader/internal/scheduler"
	"github.com/mkarlis/gridtrader/internal/server"
	"github.com/mkarlis/gridtrader/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := logger.New(logger.Config{Level: "error"})
		errLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting gridtrader")

	db, err := database.New(database.Config{Path: cfg.DatabasePath, Name: "gridtrader"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	bus := events.NewBus(log)

	// Market data: HTTP client behind the shared price cache
	quotes := marketdata.NewClient(cfg.MarketDataAPIURL, log)
	priceCache := marketdata.NewCache(log)
	data := marketdata.NewCachedProvider(priceCache, quotes)

	// Repositories
	portfolioRepo := portfolio.NewRepository(db.Conn(), log)
	gridRepo := grid.NewRepository(db.Conn(), log)
	alertRepo := alerts.NewRepository(db.Conn(), log)
	tradeRepo := execution.NewTradeRepository(db.Conn(), log)

	// Services
	alertSvc := alerts.NewService(alertRepo, bus, cfg.DedupWindow, log)
	portfolioSvc := portfolio.NewService(db, portfolioRepo, bus, log)
	planner := grid.NewPlanner(db, gridRepo, portfolioRepo, data, alertSvc, bus, log)
	engine := execution.NewEngine(db, gridRepo, portfolioRepo, tradeRepo, alertSvc, bus, cfg.MilestoneSteps, log)
	mon := monitor.New(db, gridRepo, engine, data, alertSvc, bus, monitor.Config{
		BoundaryBufferPct: cfg.BoundaryBuffer.InexactFloat64(),
	}, log)

	// Alert delivery
	var channels []alerts.Channel
	if cfg.SMTP.Enabled() {
		channels = append(channels, alerts.NewEmailChannel(cfg.SMTP, log))
	} else {
		log.Warn().Msg("SMTP not configured; alerts stay in-store only")
	}
	dispatcher := alerts.NewDispatcher(alertRepo, gridRepo, channels, log)

	// Background jobs
	sched := scheduler.New(log)
	leases := scheduler.NewLeaseStore(db, log)
	holder := uuid.New().String()

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"@every " + cfg.MonitorCadence.String(),
			scheduler.NewMonitorJob(mon, gridRepo, leases, holder, cfg.MonitorCadence, log)},
		{"@every 5m",
			scheduler.NewPriceRefreshJob(quotes, priceCache, gridRepo, portfolioRepo, log)},
		{"@every 10m",
			scheduler.NewRevaluationJob(portfolioSvc, priceCache)},
		{"@every " + cfg.DispatchCadence.String(),
			scheduler.NewDispatchJob(dispatcher)},
		{"@every 15m",
			scheduler.NewRebalanceScanJob(mon, leases, holder, 15*time.Minute, log)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("Failed to register job")
		}
	}
	sched.Start()
	defer sched.Stop()

	// HTTP API
	srv := server.New(server.Config{
		Port:         cfg.Port,
		Log:          log,
		DB:           db,
		Config:       cfg,
		DevMode:      cfg.DevMode,
		Bus:          bus,
		Alerts:       alertSvc,
		Engine:       engine,
		Trades:       tradeRepo,
		Grids:        gridRepo,
		GridAPI:      gridhandlers.NewGridHandlers(planner, gridRepo, priceCache, log),
		PortfolioAPI: portfoliohandlers.NewPortfolioHandlers(portfolioSvc, log),
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
