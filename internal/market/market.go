// Package market classifies symbols by market and answers trading-window and
// short-sale questions. Classification is purely suffix-based; no network calls.
package market

import (
	"strings"
	"time"
)

// Market identifies the venue a symbol trades on
type Market string

const (
	MarketUS         Market = "US"
	MarketCNShanghai Market = "CN_SHANGHAI"
	MarketCNShenzhen Market = "CN_SHENZHEN"
	MarketHK         Market = "HK"
	MarketOther      Market = "OTHER"
)

// TradingWindow represents a single daily trading period in the market's local time
type TradingWindow struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
}

// Rules holds the trading constraints derived from a symbol
type Rules struct {
	Market      Market
	AllowsShort bool
	Timezone    *time.Location
	Windows     []TradingWindow // Empty means always open (best-effort default)
}

var (
	shanghaiLoc *time.Location
	hongKongLoc *time.Location
	newYorkLoc  *time.Location
)

func init() {
	// LoadLocation only fails without a tzdata source; fall back to UTC so the
	// engine degrades to "wrong hours" instead of crashing.
	shanghaiLoc = mustLoad("Asia/Shanghai")
	hongKongLoc = mustLoad("Asia/Hong_Kong")
	newYorkLoc = mustLoad("America/New_York")
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Classify returns the market for a symbol based on its suffix.
// `.SS` is Shanghai, `.SZ` is Shenzhen, `.HK` is Hong Kong; bare tickers are US.
// Any other suffix classifies as OTHER.
func Classify(symbol string) Market {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return MarketUS
	}
	switch s[idx:] {
	case ".SS":
		return MarketCNShanghai
	case ".SZ":
		return MarketCNShenzhen
	case ".HK":
		return MarketHK
	default:
		return MarketOther
	}
}

// RulesFor returns the trading rules for a symbol.
// Mainland-China and Hong Kong markets forbid short selling: a grid there never
// places a SELL before the paired BUY has filled. Unknown suffixes get
// best-effort defaults (shorting allowed, always-open window).
//
// Trading windows are weekday-only; market holidays are not modelled here.
func RulesFor(symbol string) Rules {
	m := Classify(symbol)
	switch m {
	case MarketCNShanghai, MarketCNShenzhen:
		return Rules{
			Market:      m,
			AllowsShort: false,
			Timezone:    shanghaiLoc,
			Windows: []TradingWindow{
				{OpenHour: 9, OpenMinute: 30, CloseHour: 15, CloseMinute: 0},
			},
		}
	case MarketHK:
		return Rules{
			Market:      m,
			AllowsShort: false,
			Timezone:    hongKongLoc,
			Windows: []TradingWindow{
				{OpenHour: 9, OpenMinute: 30, CloseHour: 15, CloseMinute: 0},
			},
		}
	case MarketUS:
		return Rules{
			Market:      m,
			AllowsShort: true,
			Timezone:    newYorkLoc,
			Windows: []TradingWindow{
				{OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0},
			},
		}
	default:
		return Rules{
			Market:      MarketOther,
			AllowsShort: true,
			Timezone:    time.UTC,
			Windows:     nil, // always open
		}
	}
}

// IsOpenAt reports whether the market is open at the given instant.
// An empty window list means always open.
func (r Rules) IsOpenAt(t time.Time) bool {
	if len(r.Windows) == 0 {
		return true
	}

	local := t.In(r.Timezone)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}

	currentMinutes := local.Hour()*60 + local.Minute()
	for _, w := range r.Windows {
		openMinutes := w.OpenHour*60 + w.OpenMinute
		closeMinutes := w.CloseHour*60 + w.CloseMinute
		if currentMinutes >= openMinutes && currentMinutes < closeMinutes {
			return true
		}
	}

	return false
}

// IsOpen reports whether the symbol's market is open right now
func IsOpen(symbol string, now time.Time) bool {
	return RulesFor(symbol).IsOpenAt(now)
}

// AnyOpen reports whether any of the given symbols' markets is open
func AnyOpen(symbols []string, now time.Time) bool {
	for _, s := range symbols {
		if IsOpen(s, now) {
			return true
		}
	}
	return false
}
