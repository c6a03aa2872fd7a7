package strategy

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DryRun is a Submitter that logs plans instead of sending them and reports
// the estimated profit as realised.
type DryRun struct {
	logger zerolog.Logger
	keep   int

	mu    sync.Mutex
	plans []Plan
}

// DefaultDryRunKeep bounds the plans a DryRun retains.
const DefaultDryRunKeep = 100

// NewDryRun constructs a DryRun submitter that keeps the last
// DefaultDryRunKeep plans.
func NewDryRun(logger zerolog.Logger) *DryRun {
	return NewDryRunKeeping(DefaultDryRunKeep, logger)
}

// NewDryRunKeeping constructs a DryRun that keeps the last keep plans. Zero
// or less keeps none.
func NewDryRunKeeping(keep int, logger zerolog.Logger) *DryRun {
	if keep < 0 {
		keep = 0
	}
	return &DryRun{logger: logger.With().Str("component", "dry_run").Logger(), keep: keep}
}

// Submit records plan and returns a successful outcome.
func (d *DryRun) Submit(ctx context.Context, plan Plan) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	d.mu.Lock()
	if d.keep > 0 {
		if len(d.plans) == d.keep {
			copy(d.plans, d.plans[1:])
			d.plans = d.plans[:len(d.plans)-1]
		}
		d.plans = append(d.plans, plan)
	}
	d.mu.Unlock()

	d.logger.Info().
		Str("id", plan.Opportunity.ID).
		Str("strategy", plan.Opportunity.Strategy).
		Str("size", plan.Size.Size.String()).
		Str("estimated_profit", plan.Opportunity.EstimatedProfit.String()).
		Str("gas_cost_wei", plan.GasCost().String()).
		Msg("dry run: plan not submitted")

	return Outcome{
		Success: true,
		Profit:  plan.Opportunity.EstimatedProfit,
		GasUsed: plan.Opportunity.GasEstimate,
	}, nil
}

// Plans returns the retained plans, oldest first.
func (d *DryRun) Plans() []Plan {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Plan, len(d.plans))
	copy(out, d.plans)
	return out
}

var _ Submitter = (*DryRun)(nil)
