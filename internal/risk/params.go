package risk

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Mode selects the position sizing strategy.
type Mode string

const (
	ModeFixed      Mode = "fixed"
	ModeVolatility Mode = "volatility"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFixed:
		return ModeFixed, nil
	case ModeVolatility:
		return ModeVolatility, nil
	default:
		return "", fmt.Errorf("unknown risk mode %q (want fixed or volatility)", s)
	}
}

// Parameters are the sizing thresholds. MinBalance is in wei; MaxPosition is
// in the reference currency.
type Parameters struct {
	Mode              Mode
	BaseSize          decimal.Decimal
	MaxRiskPerTrade   decimal.Decimal
	MinBalance        *big.Int
	MaxPosition       decimal.Decimal
	VolatilityWindow  int
	VolatilityFloor   decimal.Decimal
	DefaultVolatility decimal.Decimal
	NativeAsset       string
}

// DefaultParameters returns conservative defaults.
func DefaultParameters() Parameters {
	return Parameters{
		Mode:              ModeFixed,
		BaseSize:          decimal.RequireFromString("0.1"),
		MaxRiskPerTrade:   decimal.RequireFromString("0.02"),
		MinBalance:        decimal.RequireFromString("0.05").Shift(18).BigInt(),
		MaxPosition:       decimal.NewFromInt(10000),
		VolatilityWindow:  14,
		VolatilityFloor:   decimal.RequireFromString("0.005"),
		DefaultVolatility: decimal.RequireFromString("0.01"),
		NativeAsset:       "ETH",
	}
}

// Validate rejects parameters the engine cannot size with.
func (p Parameters) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.BaseSize.Sign() <= 0 {
		return fmt.Errorf("risk base size must be positive")
	}
	if p.MaxRiskPerTrade.Sign() <= 0 || p.MaxRiskPerTrade.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk max_risk_per_trade must be in (0, 1]")
	}
	if p.MinBalance == nil || p.MinBalance.Sign() < 0 {
		return fmt.Errorf("risk min balance cannot be negative")
	}
	if p.MaxPosition.Sign() <= 0 {
		return fmt.Errorf("risk max position must be positive")
	}
	if p.VolatilityWindow < 2 {
		return fmt.Errorf("risk volatility window must be at least 2")
	}
	if p.VolatilityFloor.Sign() <= 0 {
		return fmt.Errorf("risk volatility floor must be positive")
	}
	return nil
}

func (p Parameters) withDefaults() Parameters {
	def := DefaultParameters()
	if p.Mode == "" {
		p.Mode = def.Mode
	}
	if p.MinBalance == nil {
		p.MinBalance = def.MinBalance
	}
	if p.VolatilityWindow == 0 {
		p.VolatilityWindow = def.VolatilityWindow
	}
	if p.VolatilityFloor.IsZero() {
		p.VolatilityFloor = def.VolatilityFloor
	}
	if p.DefaultVolatility.IsZero() {
		p.DefaultVolatility = def.DefaultVolatility
	}
	if p.NativeAsset == "" {
		p.NativeAsset = def.NativeAsset
	}
	return p
}
