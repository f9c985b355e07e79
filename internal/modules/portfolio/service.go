package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mkarlis/gridtrader/internal/database"
	"github.com/mkarlis/gridtrader/internal/events"
)

// Service provides portfolio operations: audit-tracked cash adjustments,
// holding revaluation, and cascade deletion.
type Service struct {
	db   *database.DB
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger
}

// NewService creates a new portfolio service
func NewService(db *database.DB, repo *Repository, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		db:   db,
		repo: repo,
		bus:  bus,
		log:  log.With().Str("component", "portfolio").Logger(),
	}
}

// CreatePortfolio creates a portfolio with an opening cash balance
func (s *Service) CreatePortfolio(name string, openingCash decimal.Decimal) (*Portfolio, error) {
	if name == "" {
		return nil, fmt.Errorf("portfolio name is required")
	}
	if openingCash.IsNegative() {
		return nil, fmt.Errorf("opening cash balance cannot be negative")
	}

	p := &Portfolio{
		ID:          uuid.New().String(),
		Name:        name,
		CashBalance: openingCash.Round(2),
		CreatedAt:   time.Now(),
	}
	if err := s.repo.Create(p); err != nil {
		return nil, err
	}

	s.log.Info().Str("portfolio_id", p.ID).Str("name", name).Msg("Portfolio created")
	return p, nil
}

// UpdateCash performs an audit-tracked cash adjustment. The old and new
// balances land in the cash_adjustments table; no grid alerts are emitted.
func (s *Service) UpdateCash(portfolioID string, newBalance decimal.Decimal, notes string) (*CashAdjustment, error) {
	if newBalance.IsNegative() {
		return nil, fmt.Errorf("cash balance cannot be negative")
	}
	newBalance = newBalance.Round(2)

	var adj *CashAdjustment
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		p, err := s.repo.GetByIDTx(tx, portfolioID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("portfolio %s not found", portfolioID)
		}

		if err := s.repo.UpdateCashTx(tx, portfolioID, newBalance); err != nil {
			return err
		}

		adj = &CashAdjustment{
			ID:          uuid.New().String(),
			PortfolioID: portfolioID,
			OldBalance:  p.CashBalance,
			NewBalance:  newBalance,
			Notes:       notes,
			CreatedAt:   time.Now(),
		}
		return s.repo.InsertCashAdjustmentTx(tx, adj)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to adjust cash for portfolio %s: %w", portfolioID, err)
	}

	s.log.Info().
		Str("portfolio_id", portfolioID).
		Str("old_balance", adj.OldBalance.String()).
		Str("new_balance", adj.NewBalance.String()).
		Msg("Cash balance adjusted")

	if s.bus != nil {
		s.bus.Emit(events.CashUpdated, "portfolio", map[string]interface{}{
			"portfolio_id": portfolioID,
			"old_balance":  adj.OldBalance.String(),
			"new_balance":  adj.NewBalance.String(),
		})
	}

	return adj, nil
}

// Revalue recomputes market value and unrealised P&L for every holding that
// has a price in the given map. Prices come from the refresh job's cache.
func (s *Service) Revalue(prices map[string]decimal.Decimal) error {
	holdings, err := s.repo.AllHoldings()
	if err != nil {
		return fmt.Errorf("failed to load holdings for revaluation: %w", err)
	}

	now := time.Now()
	updated := 0
	for _, h := range holdings {
		price, ok := prices[h.Symbol]
		if !ok || h.Quantity.IsZero() {
			continue
		}

		marketValue := h.Quantity.Mul(price).Round(2)
		unrealized := price.Sub(h.AverageCost).Mul(h.Quantity).Round(2)

		if err := s.repo.UpdateHoldingValuation(h.PortfolioID, h.Symbol, marketValue, unrealized, now); err != nil {
			return err
		}
		updated++
	}

	s.log.Debug().Int("updated", updated).Int("total", len(holdings)).Msg("Holdings revalued")
	return nil
}

// DeletePortfolio removes a portfolio. Grids, orders, holdings, and cash
// adjustments cascade; pending alerts for the deleted grids are suppressed by
// the dispatcher when their grid lookup fails.
func (s *Service) DeletePortfolio(portfolioID string) error {
	if err := s.repo.Delete(portfolioID); err != nil {
		return err
	}
	s.log.Info().Str("portfolio_id", portfolioID).Msg("Portfolio deleted")
	return nil
}

// ListPortfolios returns all portfolios
func (s *Service) ListPortfolios() ([]Portfolio, error) {
	return s.repo.List()
}

// Get returns a portfolio with its holdings
func (s *Service) Get(portfolioID string) (*Portfolio, []Holding, error) {
	p, err := s.repo.GetByID(portfolioID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, nil
	}
	holdings, err := s.repo.GetHoldings(portfolioID)
	if err != nil {
		return nil, nil, err
	}
	return p, holdings, nil
}
