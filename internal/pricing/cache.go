package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// KV is the subset of redis commands the cache needs; *redis.Client satisfies it.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CacheOptions parameterise Cache.
type CacheOptions struct {
	Prefix    string
	PriceTTL  time.Duration
	CandleTTL time.Duration
}

// Cache decorates a Source with redis-backed read-through caching. Redis
// failures are logged and fall through to the wrapped source.
type Cache struct {
	next   Source
	kv     KV
	opts   CacheOptions
	logger zerolog.Logger
}

// NewRedisClient dials redis with the given address and credentials.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewCache wraps next with a cache stored in kv.
func NewCache(next Source, kv KV, opts CacheOptions, logger zerolog.Logger) *Cache {
	if opts.Prefix == "" {
		opts.Prefix = "mevscanner:pricing"
	}
	if opts.PriceTTL <= 0 {
		opts.PriceTTL = 15 * time.Second
	}
	if opts.CandleTTL <= 0 {
		opts.CandleTTL = 5 * time.Minute
	}
	return &Cache{
		next:   next,
		kv:     kv,
		opts:   opts,
		logger: logger.With().Str("component", "price_cache").Logger(),
	}
}

// Price returns a cached price or fetches and stores it.
func (c *Cache) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	key := c.key("price", strings.ToUpper(asset))
	if raw, ok := c.lookup(ctx, key); ok {
		if price, err := decimal.NewFromString(raw); err == nil {
			return price, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding malformed cached price")
	}

	price, err := c.next.Price(ctx, asset)
	if err != nil {
		return decimal.Decimal{}, err
	}
	c.store(ctx, key, price.String(), c.opts.PriceTTL)
	return price, nil
}

// Candles returns cached bars or fetches and stores them.
func (c *Cache) Candles(ctx context.Context, asset string, limit int) ([]Candle, error) {
	key := c.key("candles", fmt.Sprintf("%s:%d", strings.ToUpper(asset), limit))
	if raw, ok := c.lookup(ctx, key); ok {
		var candles []Candle
		if err := json.Unmarshal([]byte(raw), &candles); err == nil {
			return candles, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding malformed cached candles")
	}

	candles, err := c.next.Candles(ctx, asset, limit)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(candles)
	if err != nil {
		return candles, nil
	}
	c.store(ctx, key, data, c.opts.CandleTTL)
	return candles, nil
}

func (c *Cache) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.opts.Prefix, kind, id)
}

func (c *Cache) lookup(ctx context.Context, key string) (string, bool) {
	if c.kv == nil {
		return "", false
	}
	raw, err := c.kv.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("price cache read failed")
		}
		return "", false
	}
	return raw, true
}

func (c *Cache) store(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if c.kv == nil {
		return
	}
	if err := c.kv.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("price cache write failed")
	}
}

var (
	_ Source = (*Cache)(nil)
	_ KV     = (*redis.Client)(nil)
)
