package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/alerting"
	"mev-scanner/internal/config"
	"mev-scanner/internal/events"
	"mev-scanner/internal/gas"
	"mev-scanner/internal/metrics"
	"mev-scanner/internal/pricing"
	"mev-scanner/internal/provider"
	"mev-scanner/internal/risk"
	"mev-scanner/internal/storage"
	"mev-scanner/internal/strategy"
	"mev-scanner/internal/strategy/vaultgap"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newProviders(m *metrics.Metrics) (*provider.Manager, error) {
	rpc := a.Config.RPC
	mgr, err := provider.NewManager(provider.Options{
		Primary:         rpc.Primary,
		Fallbacks:       rpc.Fallbacks,
		Local:           rpc.Local,
		HealthInterval:  rpc.HealthInterval,
		HealthCacheTTL:  rpc.HealthCacheTTL,
		ProbeTimeout:    rpc.ProbeTimeout,
		Retry:           a.Config.Retry,
		BreakerFailures: rpc.BreakerFailures,
		BreakerCooldown: rpc.BreakerCooldown,
	}, provider.DialEthereum, a.Logger, m)
	if err != nil {
		return nil, fmt.Errorf("build provider manager: %w", err)
	}
	return mgr, nil
}

func (a *App) newPredictor(clients gas.ClientSource, m *metrics.Metrics) *gas.Predictor {
	fees := a.Config.Fees
	return gas.NewPredictor(gas.Options{
		HistorySize:    fees.HistorySize,
		Lookback:       fees.Lookback,
		TrendWindow:    fees.TrendWindow,
		PriorityWindow: fees.PriorityWindow,
		Percentile:     fees.Percentile,
		MinPriorityFee: gweiToWei(fees.MinPriorityGwei),
		MaxPriorityFee: gweiToWei(fees.MaxPriorityGwei),
		MaxFeeCeiling:  gweiToWei(fees.MaxFeeCeilingGwei),
		BaseFeeBuffer:  decimal.NewFromFloat(fees.BaseFeeBuffer),
		FallbackMaxFee: gweiToWei(fees.FallbackMaxGwei),
		RequestTimeout: fees.RequestTimeout,
		Retry:          a.Config.Retry,
	}, clients, a.Logger, m)
}

// newPriceSource returns the reference price feed, read through redis when
// pricing.redis.addr is set.
func (a *App) newPriceSource() (pricing.Source, func()) {
	cfg := a.Config.Pricing
	var source pricing.Source = pricing.NewHTTPSource(pricing.HTTPOptions{
		BaseURL:   cfg.BaseURL,
		Quote:     cfg.Quote,
		Interval:  cfg.Interval,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
		Retry:     a.Config.Retry,
		Pegged:    cfg.Pegged,
	}, a.Logger)

	if cfg.Redis.Addr == "" {
		return source, func() {}
	}

	client := pricing.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	cached := pricing.NewCache(source, client, pricing.CacheOptions{
		Prefix:    cfg.Redis.Prefix,
		PriceTTL:  cfg.Redis.PriceTTL,
		CandleTTL: cfg.Redis.CandleTTL,
	}, a.Logger)
	closer := func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return cached, closer
}

func (a *App) riskParameters() (risk.Parameters, error) {
	cfg := a.Config.Risk
	mode, err := risk.ParseMode(cfg.Mode)
	if err != nil {
		return risk.Parameters{}, err
	}
	return risk.Parameters{
		Mode:              mode,
		BaseSize:          decimal.NewFromFloat(cfg.BaseSize),
		MaxRiskPerTrade:   decimal.NewFromFloat(cfg.MaxRiskPerTrade),
		MinBalance:        decimal.NewFromFloat(cfg.MinBalanceETH).Shift(18).BigInt(),
		MaxPosition:       decimal.NewFromFloat(cfg.MaxPosition),
		VolatilityWindow:  cfg.VolatilityWindow,
		VolatilityFloor:   decimal.NewFromFloat(cfg.VolatilityFloor),
		DefaultVolatility: decimal.NewFromFloat(cfg.DefaultVolatility),
		NativeAsset:       cfg.NativeAsset,
	}, nil
}

func (a *App) newRisk(prices pricing.Source) (*risk.Engine, error) {
	params, err := a.riskParameters()
	if err != nil {
		return nil, err
	}
	return risk.NewEngine(params, prices, a.Logger)
}

func (a *App) vaultGapOptions() vaultgap.Options {
	cfg := a.Config.VaultGap
	return vaultgap.Options{
		ThresholdPct: decimal.NewFromFloat(cfg.ThresholdPct),
		Notional:     decimal.NewFromFloat(cfg.Notional),
		Asset:        strategy.Asset{Symbol: strings.ToUpper(cfg.AssetSymbol), Decimals: cfg.AssetDecimals},
		GasLimit:     cfg.GasLimit,
	}
}

func (a *App) newVaultGap(clients vaultgap.ClientSource, submitter strategy.Submitter) *vaultgap.Strategy {
	cfg := a.Config.VaultGap
	vault := vaultgap.NewVault(vaultgap.VaultOptions{
		Address:       cfg.VaultAddress,
		AssetDecimals: cfg.AssetDecimals,
		ShareDecimals: cfg.ShareDecimals,
		Timeout:       cfg.RequestTimeout,
	}, clients, a.Logger)

	market := vaultgap.NewCowQuoter(vaultgap.QuoteOptions{
		BaseURL:       cfg.CowBaseURL,
		PriceQuality:  cfg.PriceQuality,
		Notional:      decimal.NewFromFloat(cfg.Notional),
		AssetDecimals: cfg.AssetDecimals,
		ShareDecimals: cfg.ShareDecimals,
		Timeout:       cfg.RequestTimeout,
		UserAgent:     cfg.UserAgent,
		SellToken:     cfg.AssetAddress,
		BuyToken:      cfg.VaultAddress,
	}, a.Logger)

	return vaultgap.New(a.vaultGapOptions(), vault, market, submitter, a.Logger)
}

// newStrategies builds every strategy named in scanner.strategies.
func (a *App) newStrategies(clients vaultgap.ClientSource, submitter strategy.Submitter) ([]strategy.Strategy, error) {
	var out []strategy.Strategy
	for _, name := range a.Config.Scanner.Strategies {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
			continue
		case vaultgap.Tag:
			if !a.Config.VaultGap.Enabled {
				a.Logger.Info().Str("strategy", vaultgap.Tag).Msg("strategy disabled in config")
				continue
			}
			out = append(out, a.newVaultGap(clients, submitter))
		default:
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
	}
	return out, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	var notifier alerting.Notifier = alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	if !a.Config.Alerting.OnFailure {
		notifier = successOnly{next: notifier}
	}
	return notifier
}

// successOnly drops failed-execution notifications.
type successOnly struct {
	next alerting.Notifier
}

func (s successOnly) Notify(ctx context.Context, note alerting.Notification) error {
	if !note.Success {
		return nil
	}
	return s.next.Notify(ctx, note)
}

func (a *App) newPublisher() (*events.KafkaPublisher, error) {
	cfg := a.Config.Kafka
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	return events.NewKafkaPublisher(events.Options{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func gweiToWei(v float64) *big.Int {
	if v <= 0 {
		return nil
	}
	return gas.GweiToWei(decimal.NewFromFloat(v))
}

// ExportOptions hold parameters for exporting journalled executions.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Since time.Duration
}

// FeesOptions configure the fees command.
type FeesOptions struct {
	Blocks int
}

// SizeOptions configure the size command.
type SizeOptions struct {
	Asset      string
	Decimals   int32
	Confidence float64
	BalanceETH decimal.Decimal
	Mode       string
}

// SimulateOptions configure the simulate-alert command.
type SimulateOptions struct {
	VaultRate  decimal.Decimal
	MarketRate decimal.Decimal
}

// PruneOptions configure the prune command.
type PruneOptions struct {
	Before time.Time
	DryRun bool
}
