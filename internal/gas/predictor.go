package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/metrics"
	"mev-scanner/internal/provider"
	"mev-scanner/internal/retry"
)

// ClientSource hands out a healthy RPC client; *provider.Manager satisfies it.
type ClientSource interface {
	Client(ctx context.Context) (provider.Client, error)
}

// Options parameterise the predictor. Fee amounts are in wei.
type Options struct {
	HistorySize    int
	Lookback       int
	TrendWindow    int
	PriorityWindow int
	Percentile     float64
	MinPriorityFee *big.Int
	MaxPriorityFee *big.Int
	MaxFeeCeiling  *big.Int
	BaseFeeBuffer  decimal.Decimal
	FallbackMaxFee *big.Int
	RequestTimeout time.Duration
	Retry          retry.Policy
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		HistorySize:    50,
		Lookback:       5,
		TrendWindow:    5,
		PriorityWindow: 5,
		Percentile:     75,
		MinPriorityFee: GweiToWei(decimal.NewFromInt(1)),
		MaxPriorityFee: GweiToWei(decimal.NewFromInt(50)),
		MaxFeeCeiling:  GweiToWei(decimal.NewFromInt(500)),
		BaseFeeBuffer:  decimal.NewFromInt(2),
		FallbackMaxFee: GweiToWei(decimal.NewFromInt(50)),
		RequestTimeout: 10 * time.Second,
		Retry:          retry.DefaultPolicy(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HistorySize <= 0 {
		o.HistorySize = def.HistorySize
	}
	if o.Lookback <= 0 {
		o.Lookback = def.Lookback
	}
	if o.TrendWindow <= 0 {
		o.TrendWindow = def.TrendWindow
	}
	if o.PriorityWindow <= 0 {
		o.PriorityWindow = def.PriorityWindow
	}
	if o.Percentile <= 0 {
		o.Percentile = def.Percentile
	}
	if o.MinPriorityFee == nil {
		o.MinPriorityFee = def.MinPriorityFee
	}
	if o.MaxPriorityFee == nil {
		o.MaxPriorityFee = def.MaxPriorityFee
	}
	if o.BaseFeeBuffer.Sign() <= 0 {
		o.BaseFeeBuffer = def.BaseFeeBuffer
	}
	if o.FallbackMaxFee == nil {
		o.FallbackMaxFee = def.FallbackMaxFee
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = def.Retry
	}
	return o
}

// Estimate is a fee suggestion. Degraded estimates carry the conservative
// defaults and the reason the model could not be used.
type Estimate struct {
	MaxFee           *big.Int
	PriorityFee      *big.Int
	BaseFee          *big.Int
	PredictedBaseFee *big.Int
	Trend            decimal.Decimal
	Block            uint64
	Samples          int
	Degraded         bool
	Reason           string
}

// Predictor keeps a rolling fee history and derives fee suggestions from it.
type Predictor struct {
	opts    Options
	source  ClientSource
	logger  zerolog.Logger
	metrics *metrics.Metrics

	updateMu sync.Mutex

	mu            sync.Mutex
	history       history
	lastProcessed uint64
	started       bool
}

// NewPredictor constructs a Predictor reading blocks through source.
func NewPredictor(opts Options, source ClientSource, logger zerolog.Logger, m *metrics.Metrics) *Predictor {
	opts = opts.withDefaults()
	return &Predictor{
		opts:    opts,
		source:  source,
		logger:  logger.With().Str("component", "fee_predictor").Logger(),
		metrics: m,
		history: newHistory(opts.HistorySize),
	}
}

// Update ingests blocks produced since the last processed block, bounded to
// the configured lookback.
func (p *Predictor) Update(ctx context.Context) error {
	return p.ingest(ctx, p.opts.Lookback)
}

// Warm ingests up to blocks recent blocks, e.g. to seed history at startup.
func (p *Predictor) Warm(ctx context.Context, blocks int) error {
	if blocks <= 0 {
		blocks = p.opts.HistorySize
	}
	return p.ingest(ctx, blocks)
}

func (p *Predictor) ingest(ctx context.Context, lookback int) error {
	if p.source == nil {
		return fmt.Errorf("fee predictor: no client source")
	}
	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	client, err := p.source.Client(ctx)
	if err != nil {
		return err
	}

	head, err := retry.DoValue(ctx, "block_number", p.opts.Retry, func(ctx context.Context) (uint64, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
		defer cancel()
		return client.BlockNumber(callCtx)
	}, nil)
	if err != nil {
		return err
	}

	from := uint64(0)
	if head+1 > uint64(lookback) {
		from = head + 1 - uint64(lookback)
	}
	p.mu.Lock()
	if p.started && p.lastProcessed+1 > from {
		from = p.lastProcessed + 1
	}
	p.mu.Unlock()

	for n := from; n <= head; n++ {
		number := new(big.Int).SetUint64(n)
		block, err := retry.DoValue(ctx, "get_block", p.opts.Retry, func(ctx context.Context) (*types.Block, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
			defer cancel()
			return client.BlockByNumber(callCtx, number)
		}, nil)
		if err != nil {
			return fmt.Errorf("fetch block %d: %w", n, err)
		}

		sample, ok := SampleFromBlock(block)
		if ok {
			p.Observe(sample)
			continue
		}
		p.mu.Lock()
		p.advanceLocked(n)
		p.mu.Unlock()
		p.logger.Warn().Uint64("block", n).Msg("block has no base fee; skipping fee sample")
	}
	return nil
}

// Observe appends a sample and advances the last processed block. It reports
// false when the sample is not newer than the buffer's tail.
func (p *Predictor) Observe(sample BlockFeeSample) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.history.add(sample) {
		return false
	}
	p.advanceLocked(sample.Number)
	return true
}

func (p *Predictor) advanceLocked(n uint64) {
	if !p.started || n > p.lastProcessed {
		p.lastProcessed = n
		p.started = true
	}
}

// History returns a copy of the rolling window, oldest first.
func (p *Predictor) History() []BlockFeeSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.snapshot()
}

// LastProcessed returns the highest block number seen.
func (p *Predictor) LastProcessed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProcessed
}

// Estimate refreshes history and suggests fee parameters. It never fails:
// any error yields the conservative fallback marked Degraded.
func (p *Predictor) Estimate(ctx context.Context) Estimate {
	if err := p.Update(ctx); err != nil {
		return p.record(p.fallback(fmt.Sprintf("update fee history: %v", err)))
	}
	est, err := p.FromHistory()
	if err != nil {
		return p.record(p.fallback(err.Error()))
	}
	return p.record(est)
}

// FromHistory computes an estimate from the current window without I/O.
func (p *Predictor) FromHistory() (est Estimate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fee model panic: %v", r)
		}
	}()

	samples := p.History()
	if len(samples) == 0 {
		return Estimate{}, fmt.Errorf("fee history is empty")
	}
	last := samples[len(samples)-1]

	trend := baseFeeTrend(samples, p.opts.TrendWindow)
	predicted := decimal.NewFromBigInt(last.BaseFee, 0).Mul(trend).BigInt()
	priority := priorityTarget(samples, p.opts.PriorityWindow, p.opts.Percentile, p.opts.MinPriorityFee, p.opts.MaxPriorityFee)
	maxFee, priority := maxFeeFor(last.BaseFee, predicted, priority, p.opts.BaseFeeBuffer, p.opts.MaxFeeCeiling, p.opts.MinPriorityFee)

	est = Estimate{
		MaxFee:           maxFee,
		PriorityFee:      priority,
		BaseFee:          new(big.Int).Set(last.BaseFee),
		PredictedBaseFee: predicted,
		Trend:            trend,
		Block:            last.Number,
		Samples:          len(samples),
	}
	if headroom := new(big.Int).Sub(maxFee, predicted); priority.Cmp(headroom) > 0 {
		est.Degraded = true
		est.Reason = fmt.Sprintf("predicted base fee %s leaves %s under max fee ceiling, below min priority %s",
			predicted, headroom, p.opts.MinPriorityFee)
		p.logger.Warn().Str("reason", est.Reason).Msg("fee estimate exceeds ceiling")
	}
	return est, nil
}

func (p *Predictor) fallback(reason string) Estimate {
	p.logger.Warn().Str("reason", reason).Msg("fee estimate degraded to defaults")
	return Estimate{
		MaxFee:      new(big.Int).Set(p.opts.FallbackMaxFee),
		PriorityFee: new(big.Int).Set(p.opts.MinPriorityFee),
		Trend:       decimal.NewFromInt(1),
		Samples:     len(p.History()),
		Degraded:    true,
		Reason:      reason,
	}
}

func (p *Predictor) record(est Estimate) Estimate {
	maxGwei, _ := WeiToGwei(est.MaxFee).Float64()
	prioGwei, _ := WeiToGwei(est.PriorityFee).Float64()
	p.metrics.ObserveFees(maxGwei, prioGwei, est.Degraded)
	return est
}
