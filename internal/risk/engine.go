package risk

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/pricing"
)

var (
	minConfidence = decimal.RequireFromString("0.1")
	one           = decimal.NewFromInt(1)
	half          = decimal.RequireFromString("0.5")
)

// Request describes one sizing query. Balance is the account's native
// balance in wei.
type Request struct {
	Asset      string
	Decimals   int32
	Confidence float64
	Balance    *big.Int
}

// Sizing is the engine's answer. Degraded results fell back to half the
// fixed size because a price could not be obtained.
type Sizing struct {
	Size       decimal.Decimal
	Mode       Mode
	Volatility decimal.Decimal
	Method     string
	Degraded   bool
	Reason     string
}

// Engine computes bounded position sizes.
type Engine struct {
	prices pricing.Source
	logger zerolog.Logger

	mu     sync.RWMutex
	params Parameters
}

// NewEngine validates params and builds an Engine. prices may be nil, in
// which case volatility-adjusted sizing always degrades.
func NewEngine(params Parameters, prices pricing.Source, logger zerolog.Logger) (*Engine, error) {
	params = params.withDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		prices: prices,
		logger: logger.With().Str("component", "risk").Logger(),
		params: params,
	}, nil
}

// Parameters returns the active parameters.
func (e *Engine) Parameters() Parameters {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// Reconfigure replaces the parameters atomically. Invalid parameters leave
// the current set in place.
func (e *Engine) Reconfigure(params Parameters) error {
	params = params.withDefaults()
	if err := params.Validate(); err != nil {
		return fmt.Errorf("reconfigure risk: %w", err)
	}
	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
	e.logger.Info().Str("mode", string(params.Mode)).Msg("risk parameters reconfigured")
	return nil
}

// HasSufficientETH reports whether balance meets the configured minimum.
func (e *Engine) HasSufficientETH(balance *big.Int) bool {
	if balance == nil {
		return false
	}
	e.mu.RLock()
	min := e.params.MinBalance
	e.mu.RUnlock()
	return balance.Cmp(min) >= 0
}

// PositionSize sizes a trade. It never fails; pricing problems yield a
// degraded result.
func (e *Engine) PositionSize(ctx context.Context, req Request) Sizing {
	params := e.Parameters()
	fixed := fixedSize(params.BaseSize, req.Confidence, req.Decimals)

	if params.Mode == ModeFixed {
		return Sizing{Size: fixed, Mode: ModeFixed}
	}

	sizing, err := e.volatilitySize(ctx, params, req)
	if err != nil {
		e.logger.Warn().Err(err).Str("asset", req.Asset).Msg("volatility sizing degraded to half fixed size")
		return Sizing{
			Size:     fixed.Mul(half).Truncate(req.Decimals),
			Mode:     ModeVolatility,
			Degraded: true,
			Reason:   err.Error(),
		}
	}
	return sizing
}

func (e *Engine) volatilitySize(ctx context.Context, params Parameters, req Request) (Sizing, error) {
	if e.prices == nil {
		return Sizing{}, fmt.Errorf("no price source configured")
	}
	if req.Balance == nil {
		return Sizing{}, fmt.Errorf("balance unknown")
	}

	nativePrice, err := e.prices.Price(ctx, params.NativeAsset)
	if err != nil {
		return Sizing{}, fmt.Errorf("price %s: %w", params.NativeAsset, err)
	}
	balanceRef := decimal.NewFromBigInt(req.Balance, -18).Mul(nativePrice)

	maxRisk := balanceRef.Mul(params.MaxRiskPerTrade.Mul(confidenceFactor(req.Confidence)))

	vol, method := e.volatility(ctx, params, req.Asset)
	divisor := vol
	if divisor.LessThan(params.VolatilityFloor) {
		divisor = params.VolatilityFloor
	}

	position := maxRisk.Div(divisor)
	if position.GreaterThan(params.MaxPosition) {
		position = params.MaxPosition
	}

	assetPrice, err := e.prices.Price(ctx, req.Asset)
	if err != nil {
		return Sizing{}, fmt.Errorf("price %s: %w", req.Asset, err)
	}
	if assetPrice.Sign() <= 0 {
		return Sizing{}, fmt.Errorf("non-positive price for %s", req.Asset)
	}

	return Sizing{
		Size:       position.Div(assetPrice).Truncate(req.Decimals),
		Mode:       ModeVolatility,
		Volatility: vol,
		Method:     method,
	}, nil
}

// Volatility estimates the asset's per-bar volatility: ATR over the window,
// else the standard deviation of log returns, else the configured default.
func (e *Engine) Volatility(ctx context.Context, asset string) (decimal.Decimal, string) {
	return e.volatility(ctx, e.Parameters(), asset)
}

func (e *Engine) volatility(ctx context.Context, params Parameters, asset string) (decimal.Decimal, string) {
	if e.prices == nil {
		return params.DefaultVolatility, MethodDefault
	}
	candles, err := e.prices.Candles(ctx, asset, params.VolatilityWindow+1)
	if err != nil {
		e.logger.Debug().Err(err).Str("asset", asset).Msg("candles unavailable; using default volatility")
		return params.DefaultVolatility, MethodDefault
	}
	if v, ok := atrRatio(candles, params.VolatilityWindow); ok {
		return v, MethodATR
	}
	if v, ok := logReturnStdDev(candles); ok {
		return v, MethodLogReturns
	}
	return params.DefaultVolatility, MethodDefault
}

func fixedSize(base decimal.Decimal, confidence float64, decimals int32) decimal.Decimal {
	factor := decimal.NewFromFloat(confidence)
	if factor.LessThan(minConfidence) {
		factor = minConfidence
	}
	return base.Mul(factor).Truncate(decimals)
}

func confidenceFactor(confidence float64) decimal.Decimal {
	f := decimal.NewFromFloat(confidence)
	if f.LessThan(minConfidence) {
		return minConfidence
	}
	if f.GreaterThan(one) {
		return one
	}
	return f
}
