package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mev-scanner/internal/engine"
	"mev-scanner/internal/metrics"
	"mev-scanner/internal/scheduler"
	"mev-scanner/internal/strategy"
	"mev-scanner/internal/version"
)

// Run executes the long-running scanner.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; execution journal disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}
	if store != nil && a.Config.Database.AutoMigrate {
		applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
		if err != nil {
			return err
		}
		a.Logger.Info().Strs("applied", applied).Msg("migrations up to date")
	}

	providers, err := a.newProviders(m)
	if err != nil {
		return err
	}
	defer providers.Close()

	fees := a.newPredictor(providers, m)
	prices, closePrices := a.newPriceSource()
	defer closePrices()

	sizer, err := a.newRisk(prices)
	if err != nil {
		return err
	}

	deps := engine.Deps{
		Providers: providers,
		Fees:      fees,
		Risk:      sizer,
		Metrics:   m,
	}
	if store != nil {
		deps.Journal = store
		deps.Locker = store
	}
	publisher, err := a.newPublisher()
	if err != nil {
		return err
	}
	if publisher != nil {
		deps.Publisher = publisher
		defer func() {
			if err := publisher.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka publisher")
			}
		}()
	}
	if a.Config.Alerting.Enabled {
		if notifier := a.newNotifier(); notifier != nil {
			deps.Notifier = notifier
		}
	}

	eng := engine.New(engine.Options{
		Interval: a.Config.Scanner.Interval,
		TTL:      a.Config.Scanner.OpportunityTTL,
		LockKey:  a.Config.Scanner.AdvisoryLockKey,
		Account:  a.Config.Scanner.Account,
	}, deps, a.Logger)

	strategies, err := a.newStrategies(providers, strategy.NewDryRunKeeping(0, a.Logger))
	if err != nil {
		return err
	}
	if len(strategies) == 0 {
		return errors.New("no strategies enabled; check scanner.strategies")
	}
	for _, s := range strategies {
		if err := eng.Register(s); err != nil {
			return err
		}
	}

	srv := a.startMetricsServer(m)

	var wg sync.WaitGroup
	a.goLoop(&wg, "provider health", func() error { return providers.Run(ctx) })

	if err := fees.Warm(ctx, a.Config.Fees.HistorySize); err != nil {
		a.Logger.Warn().Err(err).Msg("fee history warm-up failed; estimates start degraded")
	}
	feeLoop := scheduler.New(scheduler.Options{
		Name:         "fee_loop",
		Interval:     a.Config.Fees.UpdateInterval,
		ErrorBackoff: 2,
	}, a.Logger)
	a.goLoop(&wg, "fee loop", func() error { return feeLoop.Run(ctx, fees.Update) })

	if a.Config.Scanner.AutoExecute {
		execLoop := scheduler.New(scheduler.Options{
			Name:         "execute_loop",
			Interval:     a.Config.Scanner.Interval,
			StartupDelay: a.Config.Scanner.Interval,
		}, a.Logger)
		a.goLoop(&wg, "execute loop", func() error {
			return execLoop.Run(ctx, func(ctx context.Context) error { return a.executeActive(ctx, eng) })
		})
	}

	a.Logger.Info().Str("build", version.String()).Int("strategies", len(strategies)).Bool("auto_execute", a.Config.Scanner.AutoExecute).Msg("starting scanner")
	eng.Start(ctx)

	select {
	case <-ctx.Done():
	case <-eng.Done():
		a.Logger.Error().Msg("scan loop exited before shutdown; stopping background loops")
		cancel()
	}
	eng.Stop()
	wg.Wait()

	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	st := eng.Status()
	a.Logger.Info().
		Int64("cycles", st.Cycles).
		Int64("found", st.Found).
		Int("executed", st.Executed).
		Msg("scanner stopped")
	return nil
}

// executeActive runs every live opportunity once.
func (a *App) executeActive(ctx context.Context, eng *engine.Engine) error {
	for _, opp := range eng.Active() {
		if _, err := eng.Execute(ctx, opp.ID); err != nil && !errors.Is(err, engine.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (a *App) goLoop(wg *sync.WaitGroup, name string, run func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Str("loop", name).Msg("background loop exited")
		}
	}()
}

func (a *App) startMetricsServer(m *metrics.Metrics) *http.Server {
	cfg := a.Config.Metrics
	if cfg.Listen == "" {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Str("listen", cfg.Listen).Msg("metrics server failed")
		}
	}()
	a.Logger.Info().Str("listen", cfg.Listen).Str("path", path).Msg("metrics endpoint ready")
	return srv
}
