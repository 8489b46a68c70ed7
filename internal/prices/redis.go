package prices

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisCache stores quotes in Redis so several processes share them.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisCache(rdb), nil
}

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, instrument string) (decimal.Decimal, bool, error) {
	val, err := r.rdb.Get(ctx, priceKey(instrument)).Result()
	if err == redis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		// A corrupt entry is treated as a miss.
		r.rdb.Del(ctx, priceKey(instrument))
		return decimal.Zero, false, nil
	}
	return price, true, nil
}

// Set implements Cache.
func (r *RedisCache) Set(ctx context.Context, instrument string, price decimal.Decimal, ttl time.Duration) error {
	return r.rdb.Set(ctx, priceKey(instrument), price.String(), ttl).Err()
}

// Close closes the client.
func (r *RedisCache) Close() error {
	return r.rdb.Close()
}

func priceKey(instrument string) string {
	return fmt.Sprintf("arki:price:%s", strings.ToUpper(instrument))
}
