package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy tunes a single retried call.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Factor      float64       `mapstructure:"factor"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      bool          `mapstructure:"jitter"`
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2.0,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// WithAttempts returns a copy of p limited to n attempts.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// jitterFactor spreads each delay across [0.8, 1.2] of its nominal value.
const jitterFactor = 0.2

// Error is returned once every attempt has failed.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Notify observes each failed attempt before the executor sleeps.
type Notify func(err error, wait time.Duration)

// Do runs op until it succeeds, returns a permanent error, the attempt budget
// is spent or ctx is done.
func Do(ctx context.Context, name string, p Policy, op func(ctx context.Context) error, notify Notify) error {
	p = p.normalized()

	attempts := 0
	operation := func() error {
		attempts++
		return op(ctx)
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) { notify(err, wait) }
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), onRetry)
	if err == nil {
		return nil
	}
	return &Error{Op: name, Attempts: attempts, Err: err}
}

// DoValue is Do for operations producing a value.
func DoValue[T any](ctx context.Context, name string, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	var out T
	err := Do(ctx, name, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, notify)
	return out, err
}

// IsExhausted reports whether err came out of the executor.
func IsExhausted(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr)
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := &backoff.ExponentialBackOff{
		InitialInterval: p.BaseDelay,
		Multiplier:      p.Factor,
		MaxInterval:     p.MaxDelay,
		MaxElapsedTime:  0,
		Stop:            backoff.Stop,
		Clock:           backoff.SystemClock,
	}
	if p.Jitter {
		exp.RandomizationFactor = jitterFactor
	}
	exp.Reset()

	// WithMaxRetries treats zero as unlimited, so a single attempt needs StopBackOff.
	if p.MaxAttempts == 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	capped := &cappedBackOff{BackOff: exp, max: p.MaxDelay}
	return backoff.WithContext(backoff.WithMaxRetries(capped, uint64(p.MaxAttempts-1)), ctx)
}

// cappedBackOff applies the ceiling after jitter so no wait exceeds max.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	next := c.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if next > c.max {
		return c.max
	}
	return next
}
