package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		symbol string
		want   Market
	}{
		{"AAPL", MarketUS},
		{"600298.SS", MarketCNShanghai},
		{"000001.SZ", MarketCNShenzhen},
		{"0700.HK", MarketHK},
		{"BMW.DE", MarketOther},
		{"aapl", MarketUS},
		{"600298.ss", MarketCNShanghai},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.symbol))
		})
	}
}

func TestRulesForShortSale(t *testing.T) {
	assert.True(t, RulesFor("AAPL").AllowsShort)
	assert.False(t, RulesFor("600298.SS").AllowsShort)
	assert.False(t, RulesFor("000001.SZ").AllowsShort)
	assert.False(t, RulesFor("0700.HK").AllowsShort)
}

func TestRulesForUnknownSuffixDefaults(t *testing.T) {
	// Unknown suffixes get best-effort defaults: OTHER market, shorting
	// allowed, always-open window.
	r := RulesFor("BMW.DE")
	assert.Equal(t, MarketOther, r.Market)
	assert.True(t, r.AllowsShort)
	assert.Empty(t, r.Windows)

	// Always open, even at 3 AM on a Sunday
	sunday := time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC)
	assert.True(t, r.IsOpenAt(sunday))
}

func TestIsOpenAtUSMarket(t *testing.T) {
	r := RulesFor("AAPL")
	ny := r.Timezone

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid-session weekday", time.Date(2026, 8, 24, 12, 0, 0, 0, ny), true}, // Monday
		{"exact open", time.Date(2026, 8, 24, 9, 30, 0, 0, ny), true},
		{"just before open", time.Date(2026, 8, 24, 9, 29, 0, 0, ny), false},
		{"exact close", time.Date(2026, 8, 24, 16, 0, 0, 0, ny), false},
		{"saturday", time.Date(2026, 8, 22, 12, 0, 0, 0, ny), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.IsOpenAt(tt.at))
		})
	}
}

func TestIsOpenAtChinaMarket(t *testing.T) {
	r := RulesFor("600298.SS")

	// 10:00 Beijing time on a Monday
	open := time.Date(2026, 8, 24, 10, 0, 0, 0, r.Timezone)
	assert.True(t, r.IsOpenAt(open))

	// 15:30 Beijing time, after close
	closed := time.Date(2026, 8, 24, 15, 30, 0, 0, r.Timezone)
	assert.False(t, r.IsOpenAt(closed))
}

func TestAnyOpen(t *testing.T) {
	// A US afternoon instant: US open, China closed.
	ny := RulesFor("AAPL").Timezone
	at := time.Date(2026, 8, 24, 13, 0, 0, 0, ny)

	assert.True(t, AnyOpen([]string{"600298.SS", "AAPL"}, at))
	assert.False(t, AnyOpen([]string{"600298.SS"}, at))
	assert.False(t, AnyOpen(nil, at))
}
