package prices

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	prices map[string]decimal.Decimal
	calls  int
}

func (c *countingSource) CurrentPrice(_ context.Context, instrument string) (decimal.Decimal, bool, error) {
	c.calls++
	p, ok := c.prices[instrument]
	return p, ok, nil
}

func TestCachedSource_ServesFromCacheUntilExpiry(t *testing.T) {
	src := &countingSource{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)}}
	cache := NewMemoryCache()
	now := time.Date(2026, 2, 2, 15, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	var hits, misses int
	cs := NewCachedSource(src, cache, time.Minute, zerolog.Nop())
	cs.OnLookup = func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, ok, err := cs.CurrentPrice(ctx, "AAPL")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, p.Equal(decimal.NewFromInt(150)))
	}
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, misses)

	now = now.Add(2 * time.Minute)
	_, _, err := cs.CurrentPrice(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCachedSource_MissingQuoteIsNotCached(t *testing.T) {
	src := &countingSource{prices: map[string]decimal.Decimal{}}
	cs := NewCachedSource(src, NewMemoryCache(), time.Minute, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, ok, err := cs.CurrentPrice(context.Background(), "AMZN")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 2, src.calls)
}

func TestCachedSource_ZeroTTLBypassesCache(t *testing.T) {
	src := &countingSource{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)}}
	cs := NewCachedSource(src, NewMemoryCache(), 0, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, _, _ = cs.CurrentPrice(context.Background(), "AAPL")
	}
	assert.Equal(t, 2, src.calls)
}

func TestPriceKey(t *testing.T) {
	assert.Equal(t, "arki:price:AAPL", priceKey("aapl"))
}
