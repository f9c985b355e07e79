package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheMonotonicPerSymbol(t *testing.T) {
	cache := NewCache(zerolog.Nop())
	now := time.Now()

	cache.Put(Tick{Symbol: "ACME", Price: decimal.NewFromInt(100), ObservedAt: now})

	// Older tick must be dropped
	cache.Put(Tick{Symbol: "ACME", Price: decimal.NewFromInt(90), ObservedAt: now.Add(-time.Minute)})
	tick, ok := cache.Get("ACME")
	require.True(t, ok)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(100)))

	// Newer tick replaces
	cache.Put(Tick{Symbol: "ACME", Price: decimal.NewFromInt(101), ObservedAt: now.Add(time.Minute)})
	tick, _ = cache.Get("ACME")
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(101)))
}

func TestCacheGetAllOmitsUnknown(t *testing.T) {
	cache := NewCache(zerolog.Nop())
	cache.Put(Tick{Symbol: "ACME", Price: decimal.NewFromInt(100), ObservedAt: time.Now()})

	out := cache.GetAll([]string{"ACME", "MISSING"})
	assert.Len(t, out, 1)
	_, ok := out["MISSING"]
	assert.False(t, ok)
}

// stubProvider is a Provider backed by fixed data
type stubProvider struct {
	ticks  map[string]Tick
	calls  int
	closes []Close
}

func (s *stubProvider) CurrentPrices(_ context.Context, symbols []string) (map[string]Tick, error) {
	s.calls++
	out := make(map[string]Tick)
	for _, sym := range symbols {
		if t, ok := s.ticks[sym]; ok {
			out[sym] = t
		}
	}
	return out, nil
}

func (s *stubProvider) HistoricalCloses(_ context.Context, _ string, _ int) ([]Close, error) {
	return s.closes, nil
}

func TestCachedProviderFallsThroughOnMiss(t *testing.T) {
	cache := NewCache(zerolog.Nop())
	upstream := &stubProvider{
		ticks: map[string]Tick{
			"ACME": {Symbol: "ACME", Price: decimal.NewFromInt(42), ObservedAt: time.Now()},
		},
	}
	provider := NewCachedProvider(cache, upstream)

	out, err := provider.CurrentPrices(context.Background(), []string{"ACME"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 1, upstream.calls)

	// Second lookup is served from the cache
	out, err = provider.CurrentPrices(context.Background(), []string{"ACME"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 1, upstream.calls)
}

func TestChunkSymbols(t *testing.T) {
	chunks := chunkSymbols([]string{"A", "B", "C", "D", "E"}, 2)
	assert.Len(t, chunks, 3)
	assert.Equal(t, []string{"A", "B"}, chunks[0])
	assert.Equal(t, []string{"E"}, chunks[2])

	chunks = chunkSymbols([]string{"A"}, 20)
	assert.Len(t, chunks, 1)
}
