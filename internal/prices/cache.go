// Package prices puts a short-lived quote cache in front of a PriceSource.
package prices

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arki-trader/internal/broker"
)

// Cache stores quotes for a limited time.
type Cache interface {
	Get(ctx context.Context, instrument string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, instrument string, price decimal.Decimal, ttl time.Duration) error
}

// CachedSource is a read-through PriceSource. Quotes are served from the
// cache until they expire; cache errors fall back to the underlying source.
type CachedSource struct {
	src    broker.PriceSource
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger

	// OnLookup, when set, is told whether each lookup hit the cache.
	OnLookup func(hit bool)
}

// NewCachedSource wraps src. A zero ttl disables caching.
func NewCachedSource(src broker.PriceSource, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedSource {
	return &CachedSource{src: src, cache: cache, ttl: ttl, logger: logger}
}

// CurrentPrice implements broker.PriceSource.
func (c *CachedSource) CurrentPrice(ctx context.Context, instrument string) (decimal.Decimal, bool, error) {
	if c.ttl > 0 && c.cache != nil {
		price, ok, err := c.cache.Get(ctx, instrument)
		if err != nil {
			c.logger.Warn().Err(err).Str("instrument", instrument).Msg("Price cache read failed")
		} else if ok {
			c.lookup(true)
			return price, true, nil
		}
	}
	c.lookup(false)

	price, ok, err := c.src.CurrentPrice(ctx, instrument)
	if err != nil || !ok {
		return price, ok, err
	}

	if c.ttl > 0 && c.cache != nil {
		if err := c.cache.Set(ctx, instrument, price, c.ttl); err != nil {
			c.logger.Warn().Err(err).Str("instrument", instrument).Msg("Price cache write failed")
		}
	}
	return price, true, nil
}

func (c *CachedSource) lookup(hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(hit)
	}
}

type entry struct {
	price   decimal.Decimal
	expires time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]entry), now: time.Now}
}

// Get implements Cache. Expired entries are evicted on read.
func (m *MemoryCache) Get(_ context.Context, instrument string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToUpper(instrument)
	e, ok := m.entries[key]
	if !ok {
		return decimal.Zero, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return decimal.Zero, false, nil
	}
	return e.price, true, nil
}

// Set implements Cache.
func (m *MemoryCache) Set(_ context.Context, instrument string, price decimal.Decimal, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[strings.ToUpper(instrument)] = entry{price: price, expires: m.now().Add(ttl)}
	return nil
}
