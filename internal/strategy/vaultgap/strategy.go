// Package vaultgap scans for gaps between an ERC-4626 vault's deposit rate
// and the secondary-market rate for its shares.
package vaultgap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/strategy"
)

// Tag is the default strategy tag.
const Tag = "vaultgap"

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Gap is the opportunity payload.
type Gap struct {
	VaultRate    decimal.Decimal
	MarketRate   decimal.Decimal
	DeviationPct decimal.Decimal
	Direction    string
	Block        uint64
	Quality      string
	Quote        json.RawMessage
}

// Options parameterise the strategy.
type Options struct {
	Tag          string
	ThresholdPct decimal.Decimal
	Notional     decimal.Decimal
	Asset        strategy.Asset
	GasLimit     uint64
}

// Strategy compares the vault rate to the market rate each scan and emits
// an opportunity when the gap exceeds the threshold.
type Strategy struct {
	opts      Options
	vault     RateReader
	market    QuoteReader
	submitter strategy.Submitter
	logger    zerolog.Logger
	stats     *strategy.Stats
	now       func() time.Time
}

// New constructs the strategy.
func New(opts Options, vault RateReader, market QuoteReader, submitter strategy.Submitter, logger zerolog.Logger) *Strategy {
	if opts.Tag == "" {
		opts.Tag = Tag
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = 250_000
	}
	if opts.Asset.Symbol == "" {
		opts.Asset = strategy.Asset{Symbol: "USDE", Decimals: 18}
	}
	return &Strategy{
		opts:      opts,
		vault:     vault,
		market:    market,
		submitter: submitter,
		logger:    logger.With().Str("component", "strategy").Str("strategy", opts.Tag).Logger(),
		stats:     strategy.NewStats(),
		now:       time.Now,
	}
}

// Tag implements strategy.Strategy.
func (s *Strategy) Tag() string { return s.opts.Tag }

// Stats implements strategy.Strategy.
func (s *Strategy) Stats() *strategy.Stats { return s.stats }

// Scan reads both rates and reports a gap above the threshold.
func (s *Strategy) Scan(ctx context.Context) ([]strategy.Opportunity, error) {
	vaultRate, block, err := s.vault.FetchRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch vault rate: %w", err)
	}
	if vaultRate.IsZero() {
		return nil, errors.New("vault rate returned zero")
	}

	quote, err := s.market.FetchQuote(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch market quote: %w", err)
	}

	deviation := quote.Rate.Div(vaultRate).Sub(decimal.NewFromInt(1)).Mul(hundred)

	s.logger.Debug().
		Uint64("block", block).
		Str("vault_rate", vaultRate.String()).
		Str("market_rate", quote.Rate.String()).
		Str("deviation_pct", deviation.StringFixed(4)).
		Msg("rates compared")

	if !deviation.Abs().GreaterThan(s.opts.ThresholdPct) {
		return nil, nil
	}

	gap := Gap{
		VaultRate:    vaultRate,
		MarketRate:   quote.Rate,
		DeviationPct: deviation,
		Direction:    classifyDeviation(deviation),
		Block:        block,
		Quality:      quote.Quality,
		Quote:        quote.Raw,
	}

	return []strategy.Opportunity{{
		Strategy:        s.opts.Tag,
		EstimatedProfit: s.opts.Notional.Mul(deviation.Abs()).Div(hundred),
		GasEstimate:     s.opts.GasLimit,
		Confidence:      confidence(deviation.Abs(), s.opts.ThresholdPct),
		Asset:           s.opts.Asset,
		Payload:         gap,
		DiscoveredAt:    s.now(),
	}}, nil
}

// Execute hands the plan to the submitter.
func (s *Strategy) Execute(ctx context.Context, plan strategy.Plan) (strategy.Outcome, error) {
	gap, ok := plan.Opportunity.Payload.(Gap)
	if !ok {
		return strategy.Outcome{}, fmt.Errorf("unexpected payload %T", plan.Opportunity.Payload)
	}
	if s.submitter == nil {
		return strategy.Outcome{}, errors.New("submitter not configured")
	}

	s.logger.Info().
		Str("id", plan.Opportunity.ID).
		Str("direction", gap.Direction).
		Str("deviation_pct", gap.DeviationPct.StringFixed(4)).
		Str("size", plan.Size.Size.String()).
		Msg("executing vault gap")

	return s.submitter.Submit(ctx, plan)
}

func classifyDeviation(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

// confidence grows with the gap: 0.5 at the threshold, 1 at twice it.
func confidence(gap, threshold decimal.Decimal) float64 {
	if threshold.Sign() <= 0 {
		return 1
	}
	c := gap.Div(threshold.Mul(two))
	if c.GreaterThan(decimal.NewFromInt(1)) {
		return 1
	}
	f, _ := c.Float64()
	return f
}

var _ strategy.Strategy = (*Strategy)(nil)
