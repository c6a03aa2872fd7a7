package strategy

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"mev-scanner/internal/gas"
	"mev-scanner/internal/provider"
	"mev-scanner/internal/risk"
)

// Asset identifies what an opportunity trades, for position sizing.
type Asset struct {
	Symbol   string
	Decimals int32
}

// NativeAsset is the chain's fee currency.
var NativeAsset = Asset{Symbol: "ETH", Decimals: 18}

// Opportunity is a candidate trade discovered by a scan.
type Opportunity struct {
	ID              string
	Strategy        string
	EstimatedProfit decimal.Decimal
	GasEstimate     uint64
	Confidence      float64
	Asset           Asset
	Payload         any
	DiscoveredAt    time.Time
}

// Age reports how long ago the opportunity was discovered.
func (o Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DiscoveredAt)
}

// Plan is everything a strategy needs to act on an opportunity.
type Plan struct {
	Opportunity Opportunity
	Client      provider.Client
	Fees        gas.Estimate
	Size        risk.Sizing
	Account     string
}

// GasCost is GasEstimate priced at the plan's max fee, in wei.
func (p Plan) GasCost() *big.Int {
	if p.Fees.MaxFee == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(p.Opportunity.GasEstimate), p.Fees.MaxFee)
}

// Outcome is what a strategy reports after executing a plan.
type Outcome struct {
	Success bool
	Profit  decimal.Decimal
	GasUsed uint64
	TxHash  string
}

// Strategy scans for and executes one kind of opportunity.
type Strategy interface {
	Tag() string
	Scan(ctx context.Context) ([]Opportunity, error)
	Execute(ctx context.Context, plan Plan) (Outcome, error)
	Stats() *Stats
}

// Submitter sends whatever a strategy built for a plan. Transaction building
// and signing live behind this interface.
type Submitter interface {
	Submit(ctx context.Context, plan Plan) (Outcome, error)
}
