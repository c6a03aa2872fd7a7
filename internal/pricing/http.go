package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/retry"
)

const (
	tickerPath = "/api/v3/ticker/price"
	klinesPath = "/api/v3/klines"
)

// HTTPOptions parameterise the exchange-backed source.
type HTTPOptions struct {
	BaseURL   string
	Quote     string
	Interval  string
	Timeout   time.Duration
	UserAgent string
	Retry     retry.Policy
	// Pegged maps assets quoted 1:1 against the reference currency.
	Pegged []string
}

// HTTPSource reads spot prices and klines from a Binance-compatible REST API.
type HTTPSource struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	pegged  map[string]struct{}
}

// NewHTTPSource constructs an HTTPSource.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}
	if opts.Interval == "" {
		opts.Interval = "1h"
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	pegged := map[string]struct{}{strings.ToUpper(opts.Quote): {}}
	for _, sym := range opts.Pegged {
		pegged[strings.ToUpper(strings.TrimSpace(sym))] = struct{}{}
	}

	return &HTTPSource{
		opts:    opts,
		logger:  logger.With().Str("component", "price_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		pegged:  pegged,
	}
}

// Price returns the last traded price of asset in the quote currency.
func (s *HTTPSource) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return decimal.Decimal{}, ErrUnknownAsset
	}
	if _, ok := s.pegged[asset]; ok {
		return decimal.NewFromInt(1), nil
	}

	query := url.Values{"symbol": {s.symbol(asset)}}
	body, err := s.get(ctx, "ticker_price", tickerPath, query)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode ticker: %w", err)
	}
	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", ticker.Price, err)
	}
	if price.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("non-positive price for %s", asset)
	}
	return price, nil
}

// Candles returns up to limit bars for asset, oldest first.
func (s *HTTPSource) Candles(ctx context.Context, asset string, limit int) ([]Candle, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return nil, ErrUnknownAsset
	}
	if limit <= 0 {
		limit = 15
	}

	query := url.Values{
		"symbol":   {s.symbol(asset)},
		"interval": {s.opts.Interval},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := s.get(ctx, "klines", klinesPath, query)
	if err != nil {
		return nil, err
	}

	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("kline %d: %w", i, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (s *HTTPSource) symbol(asset string) string {
	return asset + strings.ToUpper(s.opts.Quote)
}

func (s *HTTPSource) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	endpoint := s.baseURL + path + "?" + query.Encode()
	return retry.DoValue(ctx, op, s.opts.Retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
			req.Header.Set("User-Agent", ua)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			httpErr := parseHTTPError(resp.StatusCode, payload)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, retry.Permanent(httpErr)
			}
			return nil, httpErr
		}
		return payload, nil
	}, func(err error, wait time.Duration) {
		s.logger.Debug().Err(err).Str("op", op).Dur("wait", wait).Msg("price request failed; retrying")
	})
}

func parseKline(row []any) (Candle, error) {
	if len(row) < 5 {
		return Candle{}, errors.New("short kline row")
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return Candle{}, errors.New("open time is not a number")
	}
	var fields [4]decimal.Decimal
	for i := range fields {
		raw, ok := row[i+1].(string)
		if !ok {
			return Candle{}, fmt.Errorf("field %d is not a string", i+1)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		fields[i] = v
	}
	return Candle{
		OpenTime: time.UnixMilli(int64(openMs)).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
	}, nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Msg != "" {
		return fmt.Errorf("price api error (%d): %s", status, apiErr.Msg)
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ Source = (*HTTPSource)(nil)
