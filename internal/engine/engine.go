// Package engine runs registered strategies on a fixed cadence, tracks the
// opportunities they find, and executes each one at most once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/alerting"
	"mev-scanner/internal/events"
	"mev-scanner/internal/gas"
	"mev-scanner/internal/metrics"
	"mev-scanner/internal/provider"
	"mev-scanner/internal/risk"
	"mev-scanner/internal/scheduler"
	"mev-scanner/internal/storage"
	"mev-scanner/internal/strategy"
)

var (
	// ErrNotFound is returned for ids that are unknown, expired, or already executed.
	ErrNotFound = errors.New("engine: opportunity not found")
	// ErrDuplicateStrategy is returned when a tag is registered twice.
	ErrDuplicateStrategy = errors.New("engine: strategy already registered")
	// ErrUnknownStrategy is returned for tags that were never registered.
	ErrUnknownStrategy = errors.New("engine: unknown strategy")
	// ErrInsufficientBalance is recorded when the account fails the balance gate.
	ErrInsufficientBalance = errors.New("engine: insufficient native balance")
)

// ClientSource hands out a healthy RPC client; *provider.Manager satisfies it.
type ClientSource interface {
	Client(ctx context.Context) (provider.Client, error)
}

// FeeEstimator suggests fee parameters; *gas.Predictor satisfies it.
type FeeEstimator interface {
	Estimate(ctx context.Context) gas.Estimate
}

// Sizer gates and sizes positions; *risk.Engine satisfies it.
type Sizer interface {
	HasSufficientETH(balance *big.Int) bool
	PositionSize(ctx context.Context, req risk.Request) risk.Sizing
}

// Journal records executions; *storage.Store satisfies it.
type Journal interface {
	InsertExecution(ctx context.Context, rec storage.ExecutionRecord) error
}

// Options tune the engine.
type Options struct {
	Interval time.Duration
	TTL      time.Duration
	// LockKey, when non-zero and a Locker is set, makes each cycle take a
	// postgres advisory lock so only one scanner instance scans at a time.
	LockKey int64
	// Account is the address whose balance gates execution. Empty skips the gate.
	Account string
}

// Deps are the engine's collaborators. Any of them may be nil.
type Deps struct {
	Providers ClientSource
	Fees      FeeEstimator
	Risk      Sizer
	Journal   Journal
	Locker    storage.AdvisoryLocker
	Publisher events.Publisher
	Notifier  alerting.Notifier
	Metrics   *metrics.Metrics
}

// Result is the record kept for an executed opportunity.
type Result struct {
	Opportunity strategy.Opportunity
	Success     bool
	Profit      decimal.Decimal
	GasUsed     uint64
	TxHash      string
	Latency     time.Duration
	Size        risk.Sizing
	Fees        gas.Estimate
	Error       string
	ExecutedAt  time.Time
}

type registration struct {
	strategy strategy.Strategy
	enabled  bool
}

// Engine owns the active and executed opportunity maps.
type Engine struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	mu         sync.Mutex
	strategies map[string]*registration
	order      []string
	active     map[string]strategy.Opportunity
	executed   map[string]Result
	found      int64
	cycles     int64
	lastCycle  time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Engine.
func New(opts Options, deps Deps, logger zerolog.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	return &Engine{
		opts:       opts,
		deps:       deps,
		logger:     logger.With().Str("component", "engine").Logger(),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		strategies: make(map[string]*registration),
		active:     make(map[string]strategy.Opportunity),
		executed:   make(map[string]Result),
	}
}

// Register adds a strategy, enabled.
func (e *Engine) Register(s strategy.Strategy) error {
	tag := s.Tag()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[tag]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, tag)
	}
	e.strategies[tag] = &registration{strategy: s, enabled: true}
	e.order = append(e.order, tag)
	return nil
}

// Enable turns a registered strategy on.
func (e *Engine) Enable(tag string) error { return e.setEnabled(tag, true) }

// Disable stops scanning a strategy. Its already-found opportunities stay
// executable.
func (e *Engine) Disable(tag string) error { return e.setEnabled(tag, false) }

func (e *Engine) setEnabled(tag string, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.strategies[tag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, tag)
	}
	reg.enabled = on
	return nil
}

// Start launches the scanning loop. Calling Start while running is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	sched := scheduler.New(scheduler.Options{
		Name:         "scan_loop",
		Interval:     e.opts.Interval,
		ErrorBackoff: 2,
	}, e.logger)

	go func() {
		defer close(done)
		err := sched.Run(loopCtx, e.ScanOnce)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("scan loop exited")
		}
		e.release(done)
	}()
	e.logger.Info().Dur("interval", e.opts.Interval).Dur("ttl", e.opts.TTL).Msg("engine started")
}

// Stop cancels the loop and in-flight scans and waits for them. Stopping a
// stopped engine is a no-op.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info().Msg("engine stopped")
}

// release clears the run state owned by the loop that closes done. A loop
// that exits because its parent context ended leaves the engine Stopped.
func (e *Engine) release(done chan struct{}) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done != done {
		return
	}
	e.cancel()
	e.cancel = nil
	e.done = nil
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.cancel != nil
}

// Done is closed when the current loop exits. It returns a closed channel
// when the engine is stopped.
func (e *Engine) Done() <-chan struct{} {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.done
}

// ScanOnce runs one cycle: every enabled strategy scans concurrently and the
// results are admitted to the active set. Only connectivity and lock errors
// fail the cycle; strategy errors are isolated.
func (e *Engine) ScanOnce(ctx context.Context) error {
	started := time.Now()
	defer func() { e.deps.Metrics.ObserveCycle(time.Since(started)) }()

	if e.deps.Providers != nil {
		if _, err := e.deps.Providers.Client(ctx); err != nil {
			return fmt.Errorf("scan cycle: %w", err)
		}
	}

	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	regs := e.enabled()
	batches := make([][]strategy.Opportunity, len(regs))
	var wg sync.WaitGroup
	for i, s := range regs {
		wg.Add(1)
		go func(i int, s strategy.Strategy) {
			defer wg.Done()
			batches[i] = e.scanStrategy(ctx, s)
		}(i, s)
	}
	wg.Wait()

	admitted := e.admit(batches)

	e.mu.Lock()
	e.cycles++
	e.lastCycle = e.now()
	e.mu.Unlock()

	if len(admitted) > 0 {
		e.logger.Info().Int("found", len(admitted)).Msg("opportunities found")
		e.publish(ctx, foundEvents(admitted)...)
	}
	return nil
}

func (e *Engine) scanStrategy(ctx context.Context, s strategy.Strategy) (opps []strategy.Opportunity) {
	tag := s.Tag()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panic: %v", r)
			opps = nil
		}
		s.Stats().RecordScan(len(opps), err, e.now())
		e.deps.Metrics.ObserveScan(tag, len(opps), err)
		if err != nil && ctx.Err() == nil {
			e.logger.Warn().Err(err).Str("strategy", tag).Msg("strategy scan failed")
		}
	}()

	opps, err = s.Scan(ctx)
	if err != nil {
		return nil
	}
	for i := range opps {
		opps[i].Strategy = tag
	}
	return opps
}

func (e *Engine) admit(batches [][]strategy.Opportunity) []strategy.Opportunity {
	now := e.now()
	var admitted []strategy.Opportunity

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, batch := range batches {
		for _, opp := range batch {
			opp.ID = e.newID()
			if opp.DiscoveredAt.IsZero() {
				opp.DiscoveredAt = now
			}
			e.active[opp.ID] = opp
			e.found++
			admitted = append(admitted, opp)
		}
	}
	e.deps.Metrics.SetActive(len(e.active))
	return admitted
}

func (e *Engine) enabled() []strategy.Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]strategy.Strategy, 0, len(e.order))
	for _, tag := range e.order {
		if reg := e.strategies[tag]; reg.enabled {
			out = append(out, reg.strategy)
		}
	}
	return out
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.LockKey == 0 || e.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.deps.Locker.TryAdvisoryLock(ctx, e.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Active prunes expired opportunities and returns the rest, oldest first.
func (e *Engine) Active() []strategy.Opportunity {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(e.now())

	out := make([]strategy.Opportunity, 0, len(e.active))
	for _, opp := range e.active {
		out = append(out, opp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out
}

func (e *Engine) pruneLocked(now time.Time) {
	for id, opp := range e.active {
		if opp.Age(now) > e.opts.TTL {
			delete(e.active, id)
		}
	}
	e.deps.Metrics.SetActive(len(e.active))
}

// Executed returns the result recorded for id.
func (e *Engine) Executed(id string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.executed[id]
	return res, ok
}
