package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mev-scanner/internal/alerting"
	"mev-scanner/internal/events"
	"mev-scanner/internal/risk"
	"mev-scanner/internal/storage"
	"mev-scanner/internal/strategy"
)

// Execute runs the opportunity with the given id through its strategy. The
// id is claimed before any I/O, so concurrent calls for the same id see at
// most one execution; the others get ErrNotFound. Execution failures are not
// returned as errors: they are recorded in the Result with Success=false.
func (e *Engine) Execute(ctx context.Context, id string) (Result, error) {
	e.mu.Lock()
	e.pruneLocked(e.now())
	opp, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return Result{}, ErrNotFound
	}
	delete(e.active, id)
	e.deps.Metrics.SetActive(len(e.active))
	reg := e.strategies[opp.Strategy]
	e.mu.Unlock()

	start := time.Now()
	res := e.run(ctx, reg, opp)
	res.Latency = time.Since(start)
	res.ExecutedAt = e.now()

	e.mu.Lock()
	e.executed[id] = res
	e.mu.Unlock()

	if reg != nil {
		var execErr error
		if res.Error != "" {
			execErr = errors.New(res.Error)
		}
		reg.strategy.Stats().RecordExecution(res.Success, res.Profit, execErr, res.ExecutedAt)
	}
	e.deps.Metrics.ObserveExecution(opp.Strategy, res.Success, res.Latency)

	log := e.logger.Info()
	if !res.Success {
		log = e.logger.Warn().Str("error", res.Error)
	}
	log.Str("id", id).
		Str("strategy", opp.Strategy).
		Bool("success", res.Success).
		Str("profit", res.Profit.String()).
		Dur("latency", res.Latency).
		Msg("opportunity executed")

	e.record(ctx, res)
	return res, nil
}

func (e *Engine) run(ctx context.Context, reg *registration, opp strategy.Opportunity) (res Result) {
	res = Result{Opportunity: opp}
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("execute panic: %v", r)
		}
	}()

	if reg == nil {
		res.Error = fmt.Sprintf("%v: %s", ErrUnknownStrategy, opp.Strategy)
		return res
	}

	plan, err := e.plan(ctx, opp)
	res.Size = plan.Size
	res.Fees = plan.Fees
	if err != nil {
		res.Error = err.Error()
		return res
	}

	outcome, err := reg.strategy.Execute(ctx, plan)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = outcome.Success
	res.Profit = outcome.Profit
	res.GasUsed = outcome.GasUsed
	res.TxHash = outcome.TxHash
	if !outcome.Success {
		res.Error = "strategy reported failure"
	}
	return res
}

// plan resolves the client, balance gate, position size and fees.
func (e *Engine) plan(ctx context.Context, opp strategy.Opportunity) (strategy.Plan, error) {
	plan := strategy.Plan{Opportunity: opp, Account: e.opts.Account}

	if e.deps.Providers != nil {
		client, err := e.deps.Providers.Client(ctx)
		if err != nil {
			return plan, err
		}
		plan.Client = client
	}

	var balance *big.Int
	if e.opts.Account != "" && plan.Client != nil {
		bal, err := plan.Client.BalanceAt(ctx, common.HexToAddress(e.opts.Account), nil)
		if err != nil {
			return plan, fmt.Errorf("read balance: %w", err)
		}
		balance = bal
		if e.deps.Risk != nil && !e.deps.Risk.HasSufficientETH(balance) {
			return plan, ErrInsufficientBalance
		}
	}

	if e.deps.Risk != nil {
		plan.Size = e.deps.Risk.PositionSize(ctx, risk.Request{
			Asset:      opp.Asset.Symbol,
			Decimals:   opp.Asset.Decimals,
			Confidence: opp.Confidence,
			Balance:    balance,
		})
	}

	if e.deps.Fees != nil {
		plan.Fees = e.deps.Fees.Estimate(ctx)
	}
	return plan, nil
}

// record fans a result out to the optional sinks. Sink failures are logged.
func (e *Engine) record(ctx context.Context, res Result) {
	if e.deps.Journal != nil {
		if err := e.deps.Journal.InsertExecution(ctx, journalRecord(res)); err != nil {
			e.logger.Error().Err(err).Str("id", res.Opportunity.ID).Msg("failed to journal execution")
		}
	}
	e.publish(ctx, executedEvent(res))
	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.Notify(ctx, notification(res)); err != nil {
			e.logger.Error().Err(err).Str("id", res.Opportunity.ID).Msg("failed to dispatch notification")
		}
	}
}

func (e *Engine) publish(ctx context.Context, evs ...events.Event) {
	if e.deps.Publisher == nil || len(evs) == 0 {
		return
	}
	if err := e.deps.Publisher.Publish(ctx, evs...); err != nil {
		e.logger.Error().Err(err).Int("count", len(evs)).Msg("failed to publish events")
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running    bool
	Found      int64
	Cycles     int64
	Active     int
	Executed   int
	LastCycle  time.Time
	Strategies []StrategyStatus
}

// StrategyStatus pairs a strategy with its counters.
type StrategyStatus struct {
	Tag     string
	Enabled bool
	Stats   strategy.StatsSnapshot
}

// Status reports counters and per-strategy stats.
func (e *Engine) Status() Status {
	running := e.Running()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(e.now())

	st := Status{
		Running:   running,
		Found:     e.found,
		Cycles:    e.cycles,
		Active:    len(e.active),
		Executed:  len(e.executed),
		LastCycle: e.lastCycle,
	}
	for _, tag := range e.order {
		reg := e.strategies[tag]
		st.Strategies = append(st.Strategies, StrategyStatus{
			Tag:     tag,
			Enabled: reg.enabled,
			Stats:   reg.strategy.Stats().Snapshot(),
		})
	}
	return st
}

func foundEvents(opps []strategy.Opportunity) []events.Event {
	out := make([]events.Event, len(opps))
	for i, opp := range opps {
		out[i] = events.Event{
			Type:            events.TypeFound,
			ID:              opp.ID,
			Strategy:        opp.Strategy,
			EstimatedProfit: opp.EstimatedProfit,
			Confidence:      opp.Confidence,
			GasEstimate:     opp.GasEstimate,
			At:              opp.DiscoveredAt,
		}
	}
	return out
}

func executedEvent(res Result) events.Event {
	success := res.Success
	profit := res.Profit
	return events.Event{
		Type:            events.TypeExecuted,
		ID:              res.Opportunity.ID,
		Strategy:        res.Opportunity.Strategy,
		EstimatedProfit: res.Opportunity.EstimatedProfit,
		Confidence:      res.Opportunity.Confidence,
		GasEstimate:     res.Opportunity.GasEstimate,
		Success:         &success,
		Profit:          &profit,
		GasUsed:         res.GasUsed,
		LatencyMs:       res.Latency.Milliseconds(),
		Error:           res.Error,
		At:              res.ExecutedAt,
	}
}

func journalRecord(res Result) storage.ExecutionRecord {
	rec := storage.ExecutionRecord{
		OpportunityID:   res.Opportunity.ID,
		Strategy:        res.Opportunity.Strategy,
		Success:         res.Success,
		EstimatedProfit: res.Opportunity.EstimatedProfit,
		Profit:          res.Profit,
		Size:            res.Size.Size,
		Asset:           res.Opportunity.Asset.Symbol,
		Confidence:      res.Opportunity.Confidence,
		GasUsed:         int64(res.GasUsed),
		LatencyMs:       res.Latency.Milliseconds(),
		Degraded:        res.Fees.Degraded,
		DiscoveredAt:    res.Opportunity.DiscoveredAt,
		ExecutedAt:      res.ExecutedAt,
	}
	if res.Fees.MaxFee != nil {
		v := res.Fees.MaxFee.String()
		rec.MaxFeeWei = &v
	}
	if res.Error != "" {
		msg := res.Error
		rec.Error = &msg
	}
	if res.Opportunity.Payload != nil {
		if raw, err := json.Marshal(res.Opportunity.Payload); err == nil {
			rec.Payload = raw
		}
	}
	return rec
}

func notification(res Result) alerting.Notification {
	return alerting.Notification{
		OpportunityID:   res.Opportunity.ID,
		Strategy:        res.Opportunity.Strategy,
		Success:         res.Success,
		EstimatedProfit: res.Opportunity.EstimatedProfit,
		Profit:          res.Profit,
		Size:            res.Size.Size,
		Asset:           res.Opportunity.Asset.Symbol,
		GasUsed:         res.GasUsed,
		Latency:         res.Latency,
		Error:           res.Error,
		ExecutedAt:      res.ExecutedAt,
	}
}
