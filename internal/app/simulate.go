package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"mev-scanner/internal/engine"
	"mev-scanner/internal/strategy"
	"mev-scanner/internal/strategy/vaultgap"
)

// SimulateAlert 通过给定的金库/市场价格模拟一次发现、执行与告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	eng := engine.New(engine.Options{
		Interval: a.Config.Scanner.Interval,
		TTL:      a.Config.Scanner.OpportunityTTL,
	}, engine.Deps{Notifier: notifier}, a.Logger)

	s := vaultgap.New(
		a.vaultGapOptions(),
		&staticVault{rate: opts.VaultRate},
		&staticMarket{rate: opts.MarketRate},
		strategy.NewDryRun(a.Logger),
		a.Logger,
	)
	if err := eng.Register(s); err != nil {
		return err
	}

	if err := eng.ScanOnce(ctx); err != nil {
		return err
	}
	active := eng.Active()
	if len(active) == 0 {
		return fmt.Errorf("偏差未超过阈值 %.4f%%，未触发告警", a.Config.VaultGap.ThresholdPct)
	}

	for _, opp := range active {
		res, err := eng.Execute(ctx, opp.ID)
		if err != nil {
			return err
		}
		a.Logger.Info().
			Str("id", opp.ID).
			Bool("success", res.Success).
			Str("profit", res.Profit.String()).
			Msg("simulated execution dispatched")
	}
	return nil
}

type staticVault struct {
	rate decimal.Decimal
}

func (s *staticVault) FetchRate(ctx context.Context) (decimal.Decimal, uint64, error) {
	return s.rate, 0, nil
}

type staticMarket struct {
	rate decimal.Decimal
}

func (s *staticMarket) FetchQuote(ctx context.Context) (vaultgap.Quote, error) {
	return vaultgap.Quote{Rate: s.rate, Quality: "simulated", Raw: json.RawMessage("{}")}, nil
}

var _ vaultgap.RateReader = (*staticVault)(nil)
var _ vaultgap.QuoteReader = (*staticMarket)(nil)
