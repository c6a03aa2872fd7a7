package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/retry"
)

func testRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond}
}

func TestHTTPSourcePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tickerPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "ETHUSDT" {
			t.Fatalf("symbol = %s", got)
		}
		fmt.Fprint(w, `{"symbol":"ETHUSDT","price":"3012.50000000"}`)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, Retry: testRetry()}, zerolog.Nop())
	price, err := src.Price(context.Background(), "eth")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("3012.5")) {
		t.Fatalf("price = %s", price)
	}
}

func TestHTTPSourcePeggedQuote(t *testing.T) {
	src := NewHTTPSource(HTTPOptions{BaseURL: "http://127.0.0.1:1", Pegged: []string{"usdc"}}, zerolog.Nop())
	for _, asset := range []string{"USDT", "USDC"} {
		price, err := src.Price(context.Background(), asset)
		if err != nil || !price.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("%s: price=%s err=%v", asset, price, err)
		}
	}
}

func TestHTTPSourceClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, Retry: testRetry()}, zerolog.Nop())
	if _, err := src.Price(context.Background(), "NOPE"); err == nil {
		t.Fatal("expected error for 400")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestHTTPSourceServerErrorRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"60000"}`)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, Retry: testRetry()}, zerolog.Nop())
	price, err := src.Price(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("price = %s", price)
	}
}

func TestHTTPSourceCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("interval") != "4h" || q.Get("limit") != "2" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `[
			[1700000000000,"100.0","110.0","95.0","105.0","12.3",1700014399999,"0",1,"0","0","0"],
			[1700014400000,"105.0","108.0","101.0","102.0","8.1",1700028799999,"0",1,"0","0","0"]
		]`)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, Interval: "4h", Retry: testRetry()}, zerolog.Nop())
	candles, err := src.Candles(context.Background(), "ETH", 2)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len = %d", len(candles))
	}
	if !candles[0].High.Equal(decimal.NewFromInt(110)) || !candles[1].Close.Equal(decimal.NewFromInt(102)) {
		t.Fatalf("unexpected candles %+v", candles)
	}
	if !candles[0].OpenTime.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("open time = %s", candles[0].OpenTime)
	}
}

func TestParseKlineRejectsShortRows(t *testing.T) {
	if _, err := parseKline([]any{float64(1), "1"}); err == nil {
		t.Fatal("expected error")
	}
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
	fail error
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return redis.NewStringResult("", m.fail)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return redis.NewStatusResult("", m.fail)
	}
	switch v := value.(type) {
	case string:
		m.data[key] = v
	case []byte:
		m.data[key] = string(v)
	default:
		m.data[key] = fmt.Sprint(v)
	}
	return redis.NewStatusResult("OK", nil)
}

type countingSource struct {
	prices  int
	candles int
	err     error
}

func (s *countingSource) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	s.prices++
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	return decimal.NewFromInt(2500), nil
}

func (s *countingSource) Candles(ctx context.Context, asset string, limit int) ([]Candle, error) {
	s.candles++
	if s.err != nil {
		return nil, s.err
	}
	return []Candle{{
		OpenTime: time.Unix(1700000000, 0).UTC(),
		Open:     decimal.NewFromInt(1),
		High:     decimal.NewFromInt(2),
		Low:      decimal.NewFromInt(1),
		Close:    decimal.RequireFromString("1.5"),
	}}, nil
}

func TestCacheServesRepeatedReads(t *testing.T) {
	next := &countingSource{}
	cache := NewCache(next, newMemKV(), CacheOptions{}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		price, err := cache.Price(ctx, "eth")
		if err != nil || !price.Equal(decimal.NewFromInt(2500)) {
			t.Fatalf("price=%s err=%v", price, err)
		}
		candles, err := cache.Candles(ctx, "ETH", 14)
		if err != nil || len(candles) != 1 || !candles[0].Close.Equal(decimal.RequireFromString("1.5")) {
			t.Fatalf("candles=%+v err=%v", candles, err)
		}
	}
	if next.prices != 1 || next.candles != 1 {
		t.Fatalf("upstream calls prices=%d candles=%d, want 1/1", next.prices, next.candles)
	}
}

func TestCacheFallsThroughWhenRedisDown(t *testing.T) {
	next := &countingSource{}
	kv := newMemKV()
	kv.fail = errors.New("connection refused")
	cache := NewCache(next, kv, CacheOptions{}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if _, err := cache.Price(context.Background(), "ETH"); err != nil {
			t.Fatalf("price: %v", err)
		}
	}
	if next.prices != 2 {
		t.Fatalf("upstream calls = %d, want 2", next.prices)
	}
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	next := &countingSource{err: errors.New("boom")}
	kv := newMemKV()
	cache := NewCache(next, kv, CacheOptions{}, zerolog.Nop())

	if _, err := cache.Price(context.Background(), "ETH"); err == nil {
		t.Fatal("expected upstream error")
	}
	if len(kv.data) != 0 {
		t.Fatalf("cache should be empty, got %v", kv.data)
	}
}
