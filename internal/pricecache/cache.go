// Package pricecache caches EUR-denominated asset prices per user with a
// short TTL, falling back through USD and USDT quoted pairs when no direct
// EUR pair exists.
package pricecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/folioworks/rebalancer/internal/exchange"
	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/model"
)

const (
	_entryTTL       = 5 * time.Minute
	_failedEntryTTL = 30 * time.Second
	_maxUsers       = 10

	_fetchRetries = 2
	_retryBackoff = 15 * time.Second

	_crossPair = "EURUSD"
)

// TickerClient is the slice of the exchange client the cache needs.
type TickerClient interface {
	Ticker(ctx context.Context, pairs []string) (map[string]exchange.Ticker, error)
}

type entry struct {
	prices    map[string]float64
	fetchedAt time.Time
	failed    bool
}

func (e *entry) expired(now time.Time) bool {
	ttl := _entryTTL
	if e.failed {
		ttl = _failedEntryTTL
	}
	return now.Sub(e.fetchedAt) > ttl
}

// covers reports whether the entry has a price for every requested
// non-quote symbol. Partial coverage is treated as a miss.
func (e *entry) covers(symbols []string) bool {
	for _, s := range symbols {
		if s == model.QuoteCurrency {
			continue
		}
		if _, ok := e.prices[s]; !ok {
			return false
		}
	}
	return true
}

type Cache struct {
	client TickerClient
	logger logger.Logger

	sleep func(time.Duration)
	now   func() time.Time

	// entries uses last-writer-wins semantics: concurrent cycles for the
	// same user may overwrite each other, which self-heals within one TTL.
	mu      sync.Mutex
	entries map[int64]*entry
}

func New(client TickerClient, logger logger.Logger) *Cache {
	return &Cache{
		client:  client,
		logger:  logger,
		sleep:   time.Sleep,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
}

// NewWithClock is used by tests to control time and skip backoff sleeps.
func NewWithClock(client TickerClient, logger logger.Logger, now func() time.Time, sleep func(time.Duration)) *Cache {
	c := New(client, logger)
	c.now = now
	c.sleep = sleep
	return c
}

// GetPrices returns a symbol -> EUR price map for the user. The quote
// currency itself is always present with price 1.0. On persistent failure
// an expired cached value is preferred over nothing; the last resort is an
// empty map, never a panic or error.
func (c *Cache) GetPrices(ctx context.Context, userID int64, symbols []string) map[string]float64 {
	now := c.now()

	if e, ok := c.get(userID); ok && !e.expired(now) {
		if e.failed {
			// negative entry: don't hit the exchange again until its TTL lapses
			c.logger.Debugf("failed price entry for user %d still fresh, skipping fetch", userID)
			return withQuote(e.prices)
		}
		if e.covers(symbols) {
			return withQuote(e.prices)
		}
	}

	// keep the previous entry around: exhausted retries fall back to it
	stale, _ := c.get(userID)

	var lastErr error
	for attempt := 0; attempt <= _fetchRetries; attempt++ {
		if attempt > 0 {
			c.sleep(_retryBackoff)
		}

		prices, err := c.fetch(ctx, symbols)
		if err != nil {
			lastErr = err
			if errors.Is(err, exchange.ErrAuth) {
				c.logger.Errorf("%s: non-retryable price fetch error for user %d", err, userID)
				break
			}
			c.logger.Warnf("%s: price fetch attempt %d failed for user %d", err, attempt+1, userID)
			continue
		}

		if !coversAll(prices, symbols) {
			lastErr = fmt.Errorf("incomplete prices: got %d of %d symbols", len(prices), len(symbols))
			c.logger.Warnf("%s: attempt %d for user %d", lastErr, attempt+1, userID)
			continue
		}

		c.put(userID, &entry{prices: prices, fetchedAt: c.now()})
		return withQuote(prices)
	}

	// the failure is cached briefly to avoid a hot retry loop; prices from
	// the stale entry survive into the negative entry so they keep serving
	if stale != nil {
		c.logger.Warnf("%s: serving expired prices for user %d", lastErr, userID)
		out := withQuote(stale.prices)
		c.put(userID, &entry{prices: stale.prices, fetchedAt: c.now(), failed: true})
		return out
	}

	c.put(userID, &entry{prices: map[string]float64{}, fetchedAt: c.now(), failed: true})
	return map[string]float64{model.QuoteCurrency: 1.0}
}

// Invalidate drops the user's cache entry. The orchestrator calls it after
// executing orders so the next valuation sees fresh prices.
func (c *Cache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *Cache) get(userID int64) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	return e, ok
}

func (c *Cache) put(userID int64, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = e
	if len(c.entries) <= _maxUsers {
		return
	}

	// evict the least recently fetched entry
	var (
		oldestID int64
		oldest   time.Time
		first    = true
	)
	for id, en := range c.entries {
		if first || en.fetchedAt.Before(oldest) {
			oldestID, oldest, first = id, en.fetchedAt, false
		}
	}
	delete(c.entries, oldestID)
}

// fetch resolves EUR prices in up to three passes: direct EUR pairs, USD
// pairs converted through the EUR/USD cross rate, then USDT pairs through
// the same rate.
func (c *Cache) fetch(ctx context.Context, symbols []string) (map[string]float64, error) {
	wanted := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s != model.QuoteCurrency {
			wanted = append(wanted, s)
		}
	}
	if len(wanted) == 0 {
		return map[string]float64{}, nil
	}

	crossRate, err := c.crossRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: can't fetch cross rate", err)
	}

	prices := make(map[string]float64, len(wanted))

	for _, quote := range []string{model.QuoteCurrency, "USD", "USDT"} {
		missing := make([]string, 0, len(wanted))
		pairs := make([]string, 0, len(wanted))
		for _, s := range wanted {
			if _, ok := prices[s]; ok {
				continue
			}
			missing = append(missing, s)
			pairs = append(pairs, s+quote)
		}
		if len(missing) == 0 {
			break
		}

		tickers, err := c.client.Ticker(ctx, pairs)
		if err != nil {
			return nil, fmt.Errorf("%w: can't fetch %s pairs", err, quote)
		}

		for i, s := range missing {
			t, ok := tickers[pairs[i]]
			if !ok || t.Last <= 0 {
				continue
			}
			if quote == model.QuoteCurrency {
				prices[s] = t.Last
			} else if crossRate > 0 {
				prices[s] = t.Last / crossRate
			}
		}
	}

	return prices, nil
}

func (c *Cache) crossRate(ctx context.Context) (float64, error) {
	tickers, err := c.client.Ticker(ctx, []string{_crossPair})
	if err != nil {
		return 0, err
	}
	t, ok := tickers[_crossPair]
	if !ok || t.Last <= 0 {
		return 0, fmt.Errorf("no %s rate in response", _crossPair)
	}
	return t.Last, nil
}

func coversAll(prices map[string]float64, symbols []string) bool {
	for _, s := range symbols {
		if s == model.QuoteCurrency {
			continue
		}
		if _, ok := prices[s]; !ok {
			return false
		}
	}
	return true
}

func withQuote(prices map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(prices)+1)
	for s, p := range prices {
		out[s] = p
	}
	out[model.QuoteCurrency] = 1.0
	return out
}
