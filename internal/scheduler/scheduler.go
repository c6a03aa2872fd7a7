package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per cycle. A returned error stretches the next wait.
type TickFunc func(ctx context.Context) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	StartupDelay time.Duration
	// ErrorBackoff multiplies Interval after a failed tick. Values below 1 mean 1.
	ErrorBackoff float64
}

// Scheduler drives a fixed-cadence loop: run, then sleep.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.ErrorBackoff < 1 {
		opts.ErrorBackoff = 1
	}
	name := opts.Name
	if name == "" {
		name = "scheduler"
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", name).Logger()}
}

// Run blocks, invoking tick and sleeping between cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		wait := s.opts.Interval
		if err := tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = s.backoffInterval()
			s.logger.Error().Err(err).Dur("retry_in", wait).Msg("tick execution failed")
		} else {
			s.logger.Debug().Dur("took", time.Since(started)).Dur("next_in", wait).Msg("tick complete")
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Scheduler) backoffInterval() time.Duration {
	return time.Duration(float64(s.opts.Interval) * s.opts.ErrorBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
