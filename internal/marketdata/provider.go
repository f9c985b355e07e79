// Package marketdata provides the market data port: quote lookup, historical
// closes, and the in-memory price cache the monitor reads from.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single observed price for a symbol
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Close is one daily closing price
type Close struct {
	Date  time.Time
	Close decimal.Decimal
}

// Provider is the market data port. Implementations treat prices as
// best-available last-trade or delayed quotes; the engine takes them as
// authoritative ticks.
type Provider interface {
	// CurrentPrices returns the latest prices for the given symbols.
	// Symbols with no available price are omitted from the result.
	CurrentPrices(ctx context.Context, symbols []string) (map[string]Tick, error)

	// HistoricalCloses returns up to lookbackDays of daily closes, oldest
	// first. Fewer entries than requested may be returned.
	HistoricalCloses(ctx context.Context, symbol string, lookbackDays int) ([]Close, error)
}
