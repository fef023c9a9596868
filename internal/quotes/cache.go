package quotes

import (
	"context"
	"sync"
	"time"

	"github.com/jmallard/swingbot/internal/observ"
)

// CachedProvider is a read-through cache over a Provider. Bar series and
// latest prices age out on separate TTLs; staleness is bounded and tolerable
// because every queued decision is re-validated at execution time.
type CachedProvider struct {
	mu       sync.Mutex
	inner    Provider
	barTTL   time.Duration
	priceTTL time.Duration
	now      func() time.Time

	bars   map[string]cachedBars
	prices map[string]cachedPrice
}

type cachedBars struct {
	bars      []Bar
	fetchedAt time.Time
}

type cachedPrice struct {
	price     float64
	fetchedAt time.Time
}

func NewCachedProvider(inner Provider, barTTL, priceTTL time.Duration) *CachedProvider {
	return &CachedProvider{
		inner:    inner,
		barTTL:   barTTL,
		priceTTL: priceTTL,
		now:      time.Now,
		bars:     make(map[string]cachedBars),
		prices:   make(map[string]cachedPrice),
	}
}

func (c *CachedProvider) IntradayBars(ctx context.Context, symbol string) ([]Bar, error) {
	c.mu.Lock()
	entry, ok := c.bars[symbol]
	fresh := ok && c.now().Sub(entry.fetchedAt) < c.barTTL
	c.mu.Unlock()

	if fresh {
		observ.IncCounter("quote_cache_hits_total", map[string]string{"kind": "bars"})
		return entry.bars, nil
	}

	bars, err := c.inner.IntradayBars(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.bars[symbol] = cachedBars{bars: bars, fetchedAt: c.now()}
	c.mu.Unlock()
	return bars, nil
}

func (c *CachedProvider) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	entry, ok := c.prices[symbol]
	fresh := ok && c.now().Sub(entry.fetchedAt) < c.priceTTL
	c.mu.Unlock()

	if fresh {
		observ.IncCounter("quote_cache_hits_total", map[string]string{"kind": "price"})
		return entry.price, nil
	}

	price, err := c.inner.LatestPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.prices[symbol] = cachedPrice{price: price, fetchedAt: c.now()}
	c.mu.Unlock()
	return price, nil
}
