package grid

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/mkarlis/gridtrader/internal/marketdata"
)

const (
	// fallbackSigma is the annualised volatility assumed when historical data
	// is too thin to estimate one.
	fallbackSigma = 0.20

	// minCloses is the minimum number of daily closes for a usable estimate
	minCloses = 10

	// tradingDaysPerYear annualises the daily return stddev
	tradingDaysPerYear = 252

	// DefaultRebalanceThreshold is the drift fraction of the range that
	// suggests a re-plan for DYNAMIC grids.
	DefaultRebalanceThreshold = 0.4

	// DefaultLookbackDays of daily closes for the volatility estimate
	DefaultLookbackDays = 90
)

// Bounds is the result of a strategy's initial-bounds computation
type Bounds struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
	// SigmaFallback is set when the volatility estimate fell back to the
	// default because history was insufficient.
	SigmaFallback bool
	// Sigma is the annualised volatility used (DYNAMIC only)
	Sigma float64
}

// Strategy is the tagged-variant dispatch for STATIC vs DYNAMIC grids
type Strategy interface {
	// InitialBounds computes the grid bounds for the current price
	InitialBounds(ctx context.Context, symbol string, pNow decimal.Decimal) (Bounds, error)

	// ShouldRebalance reports whether price drift warrants a re-plan
	ShouldRebalance(g *Grid, p decimal.Decimal) bool
}

// StrategyFor returns the strategy implementation for a config
func StrategyFor(cfg StrategyConfig, requested Bounds, data marketdata.Provider, allowSigmaFallback bool) Strategy {
	if cfg.Type == StrategyDynamic {
		return &dynamicStrategy{cfg: cfg, data: data, allowFallback: allowSigmaFallback}
	}
	return &staticStrategy{bounds: requested}
}

// staticStrategy uses the caller-supplied bounds and never rebalances
type staticStrategy struct {
	bounds Bounds
}

func (s *staticStrategy) InitialBounds(_ context.Context, _ string, _ decimal.Decimal) (Bounds, error) {
	return s.bounds, nil
}

func (s *staticStrategy) ShouldRebalance(_ *Grid, _ decimal.Decimal) bool {
	return false
}

// dynamicStrategy derives bounds from recent volatility:
// lower/upper = p_now * (1 -/+ multiplier * sigma_annualised)
type dynamicStrategy struct {
	cfg           StrategyConfig
	data          marketdata.Provider
	allowFallback bool
}

func (s *dynamicStrategy) InitialBounds(ctx context.Context, symbol string, pNow decimal.Decimal) (Bounds, error) {
	lookback := s.cfg.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}

	sigma, usedFallback, err := s.estimateSigma(ctx, symbol, lookback)
	if err != nil {
		return Bounds{}, err
	}

	k := s.cfg.Multiplier
	if k <= 0 {
		k = 1
	}

	span := decimal.NewFromFloat(k * sigma)
	lower := RoundPrice(pNow.Mul(decimal.NewFromInt(1).Sub(span)))
	upper := RoundPrice(pNow.Mul(decimal.NewFromInt(1).Add(span)))

	return Bounds{Lower: lower, Upper: upper, SigmaFallback: usedFallback, Sigma: sigma}, nil
}

// estimateSigma computes the annualised stddev of daily log returns
func (s *dynamicStrategy) estimateSigma(ctx context.Context, symbol string, lookbackDays int) (float64, bool, error) {
	closes, err := s.data.HistoricalCloses(ctx, symbol, lookbackDays)
	if err != nil || len(closes) < minCloses {
		if !s.allowFallback {
			return 0, false, &PlanError{
				Code:    ErrInsufficientHistory,
				Message: "not enough historical closes to estimate volatility",
			}
		}
		return fallbackSigma, true, nil
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev, _ := closes[i-1].Close.Float64()
		curr, _ := closes[i].Close.Float64()
		if prev <= 0 || curr <= 0 {
			continue
		}
		returns = append(returns, math.Log(curr/prev))
	}

	if len(returns) < minCloses-1 {
		if !s.allowFallback {
			return 0, false, &PlanError{
				Code:    ErrInsufficientHistory,
				Message: "not enough usable closes to estimate volatility",
			}
		}
		return fallbackSigma, true, nil
	}

	daily := stat.StdDev(returns, nil)
	sigma := daily * math.Sqrt(tradingDaysPerYear)
	if sigma <= 0 || math.IsNaN(sigma) {
		return fallbackSigma, true, nil
	}

	return sigma, false, nil
}

func (s *dynamicStrategy) ShouldRebalance(g *Grid, p decimal.Decimal) bool {
	return ShouldRebalance(g, p)
}

// ShouldRebalance is the drift check for DYNAMIC grids:
// |p - center| > threshold * (upper - lower).
func ShouldRebalance(g *Grid, p decimal.Decimal) bool {
	if g.Strategy.Type != StrategyDynamic {
		return false
	}

	threshold := g.Strategy.RebalanceThreshold
	if threshold <= 0 {
		threshold = DefaultRebalanceThreshold
	}

	center := g.Strategy.CenterPrice
	if center.IsZero() {
		center = RoundPrice(g.LowerPrice.Add(g.UpperPrice).Div(decimal.NewFromInt(2)))
	}

	drift := p.Sub(center).Abs()
	limit := g.UpperPrice.Sub(g.LowerPrice).Mul(decimal.NewFromFloat(threshold))
	return drift.GreaterThan(limit)
}
