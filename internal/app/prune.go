package app

import (
	"context"
	"errors"
	"time"
)

// Prune deletes journalled executions older than opts.Before.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.Before.IsZero() {
		return errors.New("prune cutoff must be set")
	}
	if opts.Before.After(time.Now()) {
		return errors.New("prune cutoff must be in the past")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; nothing to prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	stale, err := store.ListExecutionsBetween(ctx, time.Unix(0, 0).UTC(), opts.Before.UTC())
	if err != nil {
		return err
	}
	if opts.DryRun {
		a.Logger.Warn().Int("executions", len(stale)).Time("before", opts.Before).Msg("prune dry-run: nothing deleted")
		return nil
	}

	if err := store.DeleteExecutionsBefore(ctx, opts.Before.UTC()); err != nil {
		return err
	}
	total, err := store.CountExecutions(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("deleted", len(stale)).Int64("remaining", total).Msg("prune complete")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot migrate")
	}
	if closeStore != nil {
		defer closeStore()
	}

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema already up to date")
		return nil
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations applied")
	return nil
}
