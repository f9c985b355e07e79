package marketdata

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Cache is a read-mostly in-memory price cache. Writes happen only from the
// price refresh task; reads come from the monitor and the HTTP layer.
// Per-symbol timestamps are monotonic: a tick older than the cached one is dropped.
type Cache struct {
	mu    sync.RWMutex
	ticks map[string]Tick
	log   zerolog.Logger
}

// NewCache creates a new empty price cache
func NewCache(log zerolog.Logger) *Cache {
	return &Cache{
		ticks: make(map[string]Tick),
		log:   log.With().Str("component", "price_cache").Logger(),
	}
}

// Put stores a tick if it is not older than the cached one for that symbol
func (c *Cache) Put(tick Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.ticks[tick.Symbol]
	if ok && tick.ObservedAt.Before(existing.ObservedAt) {
		c.log.Debug().
			Str("symbol", tick.Symbol).
			Time("cached", existing.ObservedAt).
			Time("incoming", tick.ObservedAt).
			Msg("Dropping stale tick")
		return
	}

	c.ticks[tick.Symbol] = tick
}

// PutAll stores all ticks from a refresh batch
func (c *Cache) PutAll(ticks map[string]Tick) {
	for _, t := range ticks {
		c.Put(t)
	}
}

// Get returns the cached tick for a symbol
func (c *Cache) Get(symbol string) (Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[symbol]
	return t, ok
}

// GetAll returns cached ticks for the given symbols; unknown symbols are omitted
func (c *Cache) GetAll(symbols []string) map[string]Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Tick, len(symbols))
	for _, s := range symbols {
		if t, ok := c.ticks[s]; ok {
			out[s] = t
		}
	}
	return out
}

// Symbols returns all symbols currently in the cache
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.ticks))
	for s := range c.ticks {
		out = append(out, s)
	}
	return out
}

// CachedProvider serves reads from the cache and falls through to the
// underlying provider for symbols the cache has never seen. Historical
// requests always go to the underlying provider.
type CachedProvider struct {
	cache    *Cache
	upstream Provider
}

// NewCachedProvider wraps a provider with the cache
func NewCachedProvider(cache *Cache, upstream Provider) *CachedProvider {
	return &CachedProvider{cache: cache, upstream: upstream}
}

// CurrentPrices serves cached ticks where available and fetches the rest
func (p *CachedProvider) CurrentPrices(ctx context.Context, symbols []string) (map[string]Tick, error) {
	out := p.cache.GetAll(symbols)

	var missing []string
	for _, s := range symbols {
		if _, ok := out[s]; !ok {
			missing = append(missing, s)
		}
	}

	if len(missing) > 0 {
		fetched, err := p.upstream.CurrentPrices(ctx, missing)
		if err != nil {
			// Cached symbols are still usable; the caller records gaps for
			// whatever stays missing.
			return out, nil
		}
		for sym, tick := range fetched {
			p.cache.Put(tick)
			out[sym] = tick
		}
	}

	return out, nil
}

// HistoricalCloses delegates to the upstream provider
func (p *CachedProvider) HistoricalCloses(ctx context.Context, symbol string, lookbackDays int) ([]Close, error) {
	return p.upstream.HistoricalCloses(ctx, symbol, lookbackDays)
}
