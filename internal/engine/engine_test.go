package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/alerting"
	"mev-scanner/internal/events"
	"mev-scanner/internal/gas"
	"mev-scanner/internal/provider"
	"mev-scanner/internal/risk"
	"mev-scanner/internal/storage"
	"mev-scanner/internal/strategy"
)

type fakeStrategy struct {
	tag     string
	stats   *strategy.Stats
	scan    func(ctx context.Context) ([]strategy.Opportunity, error)
	execute func(ctx context.Context, plan strategy.Plan) (strategy.Outcome, error)

	mu    sync.Mutex
	scans int
	plans []strategy.Plan
}

func newFakeStrategy(tag string) *fakeStrategy {
	return &fakeStrategy{tag: tag, stats: strategy.NewStats()}
}

func (s *fakeStrategy) Tag() string { return s.tag }

func (s *fakeStrategy) Stats() *strategy.Stats { return s.stats }

func (s *fakeStrategy) Scan(ctx context.Context) ([]strategy.Opportunity, error) {
	s.mu.Lock()
	s.scans++
	s.mu.Unlock()
	if s.scan == nil {
		return nil, nil
	}
	return s.scan(ctx)
}

func (s *fakeStrategy) Execute(ctx context.Context, plan strategy.Plan) (strategy.Outcome, error) {
	s.mu.Lock()
	s.plans = append(s.plans, plan)
	s.mu.Unlock()
	if s.execute == nil {
		return strategy.Outcome{Success: true, Profit: plan.Opportunity.EstimatedProfit, GasUsed: plan.Opportunity.GasEstimate}, nil
	}
	return s.execute(ctx, plan)
}

func (s *fakeStrategy) scanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

func oneOpportunity(tag string) func(ctx context.Context) ([]strategy.Opportunity, error) {
	return func(ctx context.Context) ([]strategy.Opportunity, error) {
		return []strategy.Opportunity{{
			Strategy:        tag,
			EstimatedProfit: decimal.RequireFromString("1.5"),
			GasEstimate:     21000,
			Confidence:      0.8,
			Asset:           strategy.NativeAsset,
		}}, nil
	}
}

type fakeClients struct {
	client provider.Client
	err    error
}

func (f fakeClients) Client(ctx context.Context) (provider.Client, error) {
	return f.client, f.err
}

type balanceClient struct {
	balance *big.Int
}

func (c *balanceClient) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }
func (c *balanceClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return nil, errors.New("not implemented")
}
func (c *balanceClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return nil, errors.New("not implemented")
}
func (c *balanceClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return c.balance, nil
}
func (c *balanceClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (c *balanceClient) Close() {}

type staticFees struct{ est gas.Estimate }

func (f staticFees) Estimate(ctx context.Context) gas.Estimate { return f.est }

type staticSizer struct {
	minBalance *big.Int
	size       decimal.Decimal
}

func (s staticSizer) HasSufficientETH(balance *big.Int) bool {
	return balance != nil && balance.Cmp(s.minBalance) >= 0
}

func (s staticSizer) PositionSize(ctx context.Context, req risk.Request) risk.Sizing {
	return risk.Sizing{Size: s.size, Mode: risk.ModeFixed}
}

type captureJournal struct {
	mu      sync.Mutex
	records []storage.ExecutionRecord
}

func (j *captureJournal) InsertExecution(ctx context.Context, rec storage.ExecutionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(ctx context.Context, evs ...events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evs...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type failingNotifier struct{ calls int32 }

func (n *failingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	atomic.AddInt32(&n.calls, 1)
	return errors.New("telegram down")
}

type stubLocker struct {
	acquired bool
	err      error
	released int32
}

func (l *stubLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { atomic.AddInt32(&l.released, 1) }, true, nil
}

func newTestEngine(deps Deps) *Engine {
	e := New(Options{Interval: 10 * time.Millisecond, TTL: time.Minute}, deps, zerolog.Nop())
	var seq int64
	e.newID = func() string { return fmt.Sprintf("opp-%d", atomic.AddInt64(&seq, 1)) }
	return e
}

func TestScanOnceIsolatesFailingStrategy(t *testing.T) {
	a := newFakeStrategy("a")
	a.scan = func(ctx context.Context) ([]strategy.Opportunity, error) {
		return nil, errors.New("rpc timeout")
	}
	b := newFakeStrategy("b")
	b.scan = oneOpportunity("b")

	e := newTestEngine(Deps{})
	if err := e.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(b); err != nil {
		t.Fatal(err)
	}

	if err := e.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan once: %v", err)
	}

	active := e.Active()
	if len(active) != 1 || active[0].Strategy != "b" || active[0].ID == "" {
		t.Fatalf("unexpected active set %+v", active)
	}
	st := e.Status()
	if st.Found != 1 || st.Cycles != 1 || st.Active != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if snap := a.Stats().Snapshot(); snap.ScanErrors != 1 || snap.LastError == "" {
		t.Fatalf("failing strategy stats %+v", snap)
	}
	if snap := b.Stats().Snapshot(); snap.Opportunities != 1 {
		t.Fatalf("healthy strategy stats %+v", snap)
	}
}

func TestScanOnceRecoversPanickingStrategy(t *testing.T) {
	bad := newFakeStrategy("bad")
	bad.scan = func(ctx context.Context) ([]strategy.Opportunity, error) {
		panic("nil map")
	}
	good := newFakeStrategy("good")
	good.scan = oneOpportunity("good")

	e := newTestEngine(Deps{})
	_ = e.Register(bad)
	_ = e.Register(good)

	if err := e.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan once: %v", err)
	}
	if got := len(e.Active()); got != 1 {
		t.Fatalf("expected 1 active, got %d", got)
	}
	if snap := bad.Stats().Snapshot(); snap.ScanErrors != 1 {
		t.Fatalf("panic should count as scan error: %+v", snap)
	}
}

func TestScanOnceFailsWithoutProvider(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	e := newTestEngine(Deps{Providers: fakeClients{err: provider.ErrNoHealthyProvider}})
	_ = e.Register(s)

	err := e.ScanOnce(context.Background())
	if !errors.Is(err, provider.ErrNoHealthyProvider) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if s.scanCount() != 0 {
		t.Fatal("strategies must not scan without a provider")
	}
	if e.Status().Cycles != 0 {
		t.Fatal("failed cycle should not be counted")
	}
}

func TestScanOnceSkipsWhenLockHeld(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	locker := &stubLocker{acquired: false}
	e := New(Options{LockKey: 42}, Deps{Locker: locker}, zerolog.Nop())
	_ = e.Register(s)

	if err := e.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan once: %v", err)
	}
	if s.scanCount() != 0 {
		t.Fatal("scan should be skipped when the lock is held elsewhere")
	}

	locker.acquired = true
	if err := e.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan once: %v", err)
	}
	if s.scanCount() != 1 || atomic.LoadInt32(&locker.released) != 1 {
		t.Fatalf("expected one scan and one release, got %d/%d", s.scanCount(), locker.released)
	}
}

func TestDisabledStrategyIsNotScanned(t *testing.T) {
	a := newFakeStrategy("a")
	e := newTestEngine(Deps{})
	_ = e.Register(a)

	if err := e.Disable("a"); err != nil {
		t.Fatal(err)
	}
	_ = e.ScanOnce(context.Background())
	if a.scanCount() != 0 {
		t.Fatal("disabled strategy was scanned")
	}
	if err := e.Enable("a"); err != nil {
		t.Fatal(err)
	}
	_ = e.ScanOnce(context.Background())
	if a.scanCount() != 1 {
		t.Fatal("re-enabled strategy was not scanned")
	}
	if err := e.Disable("missing"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestRegisterRejectsDuplicateTag(t *testing.T) {
	e := newTestEngine(Deps{})
	if err := e.Register(newFakeStrategy("a")); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(newFakeStrategy("a")); !errors.Is(err, ErrDuplicateStrategy) {
		t.Fatalf("expected ErrDuplicateStrategy, got %v", err)
	}
}

func TestExecuteAtMostOnce(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	journal := &captureJournal{}
	pub := &capturePublisher{}
	e := newTestEngine(Deps{Journal: journal, Publisher: pub})
	_ = e.Register(s)
	_ = e.ScanOnce(context.Background())

	id := e.Active()[0].ID
	res, err := e.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || !res.Profit.Equal(decimal.RequireFromString("1.5")) || res.GasUsed != 21000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := e.Execute(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second execute should be ErrNotFound, got %v", err)
	}
	if got, ok := e.Executed(id); !ok || !got.Success {
		t.Fatalf("executed record missing: %+v", got)
	}
	if len(e.Active()) != 0 {
		t.Fatal("executed opportunity still active")
	}
	if len(journal.records) != 1 || journal.records[0].OpportunityID != id {
		t.Fatalf("journal records %+v", journal.records)
	}
	if len(pub.events) != 2 || pub.events[0].Type != events.TypeFound || pub.events[1].Type != events.TypeExecuted {
		t.Fatalf("published events %+v", pub.events)
	}
	if snap := s.Stats().Snapshot(); snap.Successes != 1 {
		t.Fatalf("stats %+v", snap)
	}
}

func TestExecuteConcurrentCallsRunOnce(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	var runs int32
	s.execute = func(ctx context.Context, plan strategy.Plan) (strategy.Outcome, error) {
		atomic.AddInt32(&runs, 1)
		time.Sleep(5 * time.Millisecond)
		return strategy.Outcome{Success: true}, nil
	}
	e := newTestEngine(Deps{})
	_ = e.Register(s)
	_ = e.ScanOnce(context.Background())
	id := e.Active()[0].ID

	var wg sync.WaitGroup
	var ok, notFound int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), id)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrNotFound):
				atomic.AddInt32(&notFound, 1)
			}
		}()
	}
	wg.Wait()

	if runs != 1 || ok != 1 || notFound != 15 {
		t.Fatalf("runs=%d ok=%d notFound=%d", runs, ok, notFound)
	}
}

func TestExecuteUnknownID(t *testing.T) {
	e := newTestEngine(Deps{})
	if _, err := e.Execute(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiredOpportunityIsPruned(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	e := newTestEngine(Deps{})
	_ = e.Register(s)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	e.now = func() time.Time { return now }

	_ = e.ScanOnce(context.Background())
	id := e.Active()[0].ID

	now = base.Add(30 * time.Second)
	if len(e.Active()) != 1 {
		t.Fatal("opportunity expired too early")
	}

	now = base.Add(time.Minute + time.Second)
	if len(e.Active()) != 0 {
		t.Fatal("expired opportunity still listed")
	}
	if _, err := e.Execute(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired opportunity should not execute, got %v", err)
	}
}

func TestExecuteFailureIsRecorded(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	s.execute = func(ctx context.Context, plan strategy.Plan) (strategy.Outcome, error) {
		return strategy.Outcome{}, errors.New("reverted")
	}
	notifier := &failingNotifier{}
	journal := &captureJournal{}
	e := newTestEngine(Deps{Notifier: notifier, Journal: journal})
	_ = e.Register(s)
	_ = e.ScanOnce(context.Background())
	id := e.Active()[0].ID

	res, err := e.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execution failures are reported in the result, got %v", err)
	}
	if res.Success || res.Error != "reverted" {
		t.Fatalf("unexpected result %+v", res)
	}
	if atomic.LoadInt32(&notifier.calls) != 1 {
		t.Fatal("notifier should be called even for failures")
	}
	if rec := journal.records[0]; rec.Success || rec.Error == nil || *rec.Error != "reverted" {
		t.Fatalf("journal record %+v", rec)
	}
	if snap := s.Stats().Snapshot(); snap.Failures != 1 || snap.LastError != "reverted" {
		t.Fatalf("stats %+v", snap)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	s.execute = func(ctx context.Context, plan strategy.Plan) (strategy.Outcome, error) {
		panic("boom")
	}
	e := newTestEngine(Deps{})
	_ = e.Register(s)
	_ = e.ScanOnce(context.Background())

	res, err := e.Execute(context.Background(), e.Active()[0].ID)
	if err != nil || res.Success || res.Error == "" {
		t.Fatalf("panic should become a failed result: %+v %v", res, err)
	}
}

func TestExecuteBuildsPlan(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	client := &balanceClient{balance: big.NewInt(1e18)}
	fees := gas.Estimate{MaxFee: big.NewInt(30e9), PriorityFee: big.NewInt(2e9)}
	e := New(Options{Account: "0x00000000000000000000000000000000000000aa"}, Deps{
		Providers: fakeClients{client: client},
		Fees:      staticFees{est: fees},
		Risk:      staticSizer{minBalance: big.NewInt(5e16), size: decimal.RequireFromString("0.25")},
	}, zerolog.Nop())
	_ = e.Register(s)
	_ = e.ScanOnce(context.Background())

	res, err := e.Execute(context.Background(), e.Active()[0].ID)
	if err != nil || !res.Success {
		t.Fatalf("execute: %+v %v", res, err)
	}
	if len(s.plans) != 1 {
		t.Fatalf("expected one plan, got %d", len(s.plans))
	}
	plan := s.plans[0]
	if plan.Client != client || !plan.Size.Size.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.GasCost().Cmp(big.NewInt(21000*30e9)) != 0 {
		t.Fatalf("gas cost %s", plan.GasCost())
	}
}

func TestExecuteInsufficientBalance(t *testing.T) {
	s := newFakeStrategy("a")
	s.scan = oneOpportunity("a")
	e := New(Options{Account: "0x00000000000000000000000000000000000000aa"}, Deps{
		Providers: fakeClients{client: &balanceClient{balance: big.NewInt(1)}},
		Risk:      staticSizer{minBalance: big.NewInt(5e16), size: decimal.NewFromInt(1)},
	}, zerolog.Nop())
	_ = e.Register(s)
	_ = e.ScanOnce(context.Background())

	res, err := e.Execute(context.Background(), e.Active()[0].ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || res.Error != ErrInsufficientBalance.Error() {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(s.plans) != 0 {
		t.Fatal("strategy must not run below the balance floor")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := newFakeStrategy("a")
	e := newTestEngine(Deps{})
	_ = e.Register(s)

	e.Stop()
	e.Start(context.Background())
	e.Start(context.Background())
	if !e.Running() {
		t.Fatal("engine should be running")
	}

	deadline := time.Now().Add(time.Second)
	for s.scanCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.scanCount() < 2 {
		t.Fatalf("loop did not tick, scans=%d", s.scanCount())
	}

	e.Stop()
	e.Stop()
	if e.Running() {
		t.Fatal("engine should be stopped")
	}
	after := s.scanCount()
	time.Sleep(30 * time.Millisecond)
	if s.scanCount() != after {
		t.Fatal("scans continued after Stop")
	}
}

func TestScanTagsOpportunitiesWithOwner(t *testing.T) {
	s := newFakeStrategy("owner")
	s.scan = func(ctx context.Context) ([]strategy.Opportunity, error) {
		return []strategy.Opportunity{{EstimatedProfit: decimal.NewFromInt(2)}, {Strategy: "someone-else"}}, nil
	}
	e := newTestEngine(Deps{})
	_ = e.Register(s)
	if err := e.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	active := e.Active()
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}
	for _, opp := range active {
		if opp.Strategy != "owner" {
			t.Fatalf("opportunity tagged %q, want owner", opp.Strategy)
		}
		res, err := e.Execute(context.Background(), opp.ID)
		if err != nil || !res.Success {
			t.Fatalf("execute %s: %+v %v", opp.ID, res, err)
		}
	}
	if len(s.plans) != 2 {
		t.Fatalf("owner should run both plans, ran %d", len(s.plans))
	}
	if snap := s.Stats().Snapshot(); snap.Successes != 2 {
		t.Fatalf("owner stats not updated: %+v", snap)
	}
}

func TestParentCancelLeavesEngineStopped(t *testing.T) {
	s := newFakeStrategy("a")
	e := newTestEngine(Deps{})
	_ = e.Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	done := e.Done()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after parent cancel")
	}
	if e.Running() {
		t.Fatal("engine should report stopped once its loop exits")
	}
	select {
	case <-e.Done():
	default:
		t.Fatal("Done on a stopped engine should be closed")
	}

	before := s.scanCount()
	e.Start(context.Background())
	defer e.Stop()
	if !e.Running() {
		t.Fatal("restart after parent cancel should run")
	}
	deadline := time.Now().Add(time.Second)
	for s.scanCount() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.scanCount() == before {
		t.Fatal("restarted loop did not scan")
	}
}
