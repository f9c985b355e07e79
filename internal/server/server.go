// Package server wires the HTTP API: module routes, manual transactions,
// alert listing, system health, and the SSE event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mkarlis/gridtrader/internal/config"
	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/events"
	"github.com/mkarlis/gridtrader/internal/modules/alerts"
	"github.com/mkarlis/gridtrader/internal/modules/execution"
	"github.com/mkarlis/gridtrader/internal/modules/grid"
	gridhandlers "github.com/mkarlis/gridtrader/internal/modules/grid/handlers"
	portfoliohandlers "github.com/mkarlis/gridtrader/internal/modules/portfolio/handlers"
)

// Config holds server configuration and the wired module dependencies
type Config struct {
	Port    int
	Log     zerolog.Logger
	DB      *database.DB
	Config  *config.Config
	DevMode bool

	Bus          *events.Bus
	Alerts       *alerts.Service
	Engine       *execution.Engine
	Trades       *execution.TradeRepository
	Grids        *grid.Repository
	GridAPI      *gridhandlers.GridHandlers
	PortfolioAPI *portfoliohandlers.PortfolioHandlers
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	db     *database.DB
	cfg    *config.Config

	alerts       *alerts.Service
	engine       *execution.Engine
	trades       *execution.TradeRepository
	grids        *grid.Repository
	gridAPI      *gridhandlers.GridHandlers
	portfolioAPI *portfoliohandlers.PortfolioHandlers
	broker       *eventBroker
	startedAt    time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		log:          cfg.Log.With().Str("component", "server").Logger(),
		db:           cfg.DB,
		cfg:          cfg.Config,
		alerts:       cfg.Alerts,
		engine:       cfg.Engine,
		trades:       cfg.Trades,
		grids:        cfg.Grids,
		gridAPI:      cfg.GridAPI,
		portfolioAPI: cfg.PortfolioAPI,
		broker:       newEventBroker(cfg.Bus, cfg.Log),
		startedAt:    time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// SSE connections outlive any sane write timeout; rely on client
		// disconnect and the per-request context instead.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		s.portfolioAPI.RegisterRoutes(r)
		s.gridAPI.RegisterRoutes(r)

		r.Post("/transactions", s.handleCreateTransaction)
		r.Get("/trades", s.handleListTrades)
		r.Get("/alerts", s.handleListAlerts)

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", s.handleSystemHealth)
		})
		r.Get("/market-hours/status", s.handleMarketHoursStatus)

		r.Get("/events/stream", s.handleEventStream)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.broker.close()
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// handleHealth is the liveness probe
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.QuickCheck(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
