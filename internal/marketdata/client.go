package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	perCallTimeout = 10 * time.Second
	batchTimeout   = 30 * time.Second

	// quoteChunkSize limits how many symbols go into one quote request
	quoteChunkSize = 20

	// fetchConcurrency bounds parallel quote requests per batch
	fetchConcurrency = 10
)

// Client fetches quotes and daily candles from an HTTP quote service
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a new market data client against the given base URL
func NewClient(baseURL string, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(perCallTimeout).
		SetHeader("User-Agent", "gridtrader/1.0").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{
		http: httpClient,
		// The public quote endpoints throttle aggressively; stay well under.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		log:     log.With().Str("component", "marketdata_client").Logger(),
	}
}

// quoteResponse mirrors the quote endpoint's JSON shape
type quoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol             string  `json:"symbol"`
			RegularMarketPrice float64 `json:"regularMarketPrice"`
			RegularMarketTime  int64   `json:"regularMarketTime"`
		} `json:"result"`
	} `json:"quoteResponse"`
}

// chartResponse mirrors the chart endpoint's JSON shape
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
	} `json:"chart"`
}

// CurrentPrices fetches the latest quotes for the given symbols. Symbols are
// chunked and fetched through a bounded worker group; symbols the service does
// not know are silently omitted from the result.
func (c *Client) CurrentPrices(ctx context.Context, symbols []string) (map[string]Tick, error) {
	if len(symbols) == 0 {
		return map[string]Tick{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	chunks := chunkSymbols(symbols, quoteChunkSize)
	results := make([]map[string]Tick, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			ticks, err := c.fetchQuoteChunk(gctx, chunk)
			if err != nil {
				return err
			}
			results[i] = ticks
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}

	merged := make(map[string]Tick, len(symbols))
	for _, ticks := range results {
		for sym, tick := range ticks {
			merged[sym] = tick
		}
	}

	return merged, nil
}

func (c *Client) fetchQuoteChunk(ctx context.Context, symbols []string) (map[string]Tick, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var parsed quoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&parsed).
		Get("/v7/finance/quote")
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("quote request returned status %d", resp.StatusCode())
	}

	ticks := make(map[string]Tick, len(parsed.QuoteResponse.Result))
	for _, r := range parsed.QuoteResponse.Result {
		if r.RegularMarketPrice <= 0 {
			continue
		}
		observed := time.Unix(r.RegularMarketTime, 0)
		if r.RegularMarketTime == 0 {
			observed = time.Now()
		}
		ticks[r.Symbol] = Tick{
			Symbol:     r.Symbol,
			Price:      decimal.NewFromFloat(r.RegularMarketPrice).Round(4),
			ObservedAt: observed,
		}
	}

	return ticks, nil
}

// HistoricalCloses fetches up to lookbackDays of daily closes, oldest first
func (c *Client) HistoricalCloses(ctx context.Context, symbol string, lookbackDays int) ([]Close, error) {
	ctx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var parsed chartResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("interval", "1d").
		SetQueryParam("range", fmt.Sprintf("%dd", lookbackDays)).
		SetResult(&parsed).
		Get("/v8/finance/chart/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("chart request failed for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chart request for %s returned status %d", symbol, resp.StatusCode())
	}

	if len(parsed.Chart.Result) == 0 {
		return nil, nil
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, nil
	}

	closes := make([]Close, 0, len(result.Timestamp))
	quote := result.Indicators.Quote[0]
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil || *quote.Close[i] <= 0 {
			continue
		}
		closes = append(closes, Close{
			Date:  time.Unix(ts, 0),
			Close: decimal.NewFromFloat(*quote.Close[i]).Round(4),
		})
	}

	return closes, nil
}

func chunkSymbols(symbols []string, size int) [][]string {
	var chunks [][]string
	for size < len(symbols) {
		symbols, chunks = symbols[size:], append(chunks, symbols[0:size:size])
	}
	return append(chunks, symbols)
}
