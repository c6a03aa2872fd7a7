package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownAsset is returned when a source cannot quote an asset.
var ErrUnknownAsset = errors.New("pricing: unknown asset")

// Candle is one OHLC bar in the reference currency.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
}

// Source supplies reference-currency prices and OHLC history.
type Source interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
	Candles(ctx context.Context, asset string, limit int) ([]Candle, error)
}
