package gas

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	minTrend = decimal.NewFromFloat(0.8)
	maxTrend = decimal.NewFromFloat(1.2)
	gweiUnit = decimal.New(1, 9)
)

// baseFeeTrend is the mean of the last window base-fee ratios, clamped to
// [0.8, 1.2]. Ratios with a non-positive denominator are skipped; no ratios
// means a flat trend of 1.
func baseFeeTrend(samples []BlockFeeSample, window int) decimal.Decimal {
	var ratios []decimal.Decimal
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].BaseFee
		cur := samples[i].BaseFee
		if prev == nil || cur == nil || prev.Sign() <= 0 {
			continue
		}
		ratios = append(ratios, decimal.NewFromBigInt(cur, 0).Div(decimal.NewFromBigInt(prev, 0)))
	}
	if len(ratios) == 0 {
		return decimal.NewFromInt(1)
	}
	if window > 0 && len(ratios) > window {
		ratios = ratios[len(ratios)-window:]
	}
	sum := decimal.Zero
	for _, r := range ratios {
		sum = sum.Add(r)
	}
	return clampDecimal(sum.Div(decimal.NewFromInt(int64(len(ratios)))), minTrend, maxTrend)
}

// priorityTarget is the pct-th percentile of priority fees over the last
// window samples, clamped to [min, max]. No fees yields min.
func priorityTarget(samples []BlockFeeSample, window int, pct float64, min, max *big.Int) *big.Int {
	if window > 0 && len(samples) > window {
		samples = samples[len(samples)-window:]
	}
	var fees []*big.Int
	for _, s := range samples {
		fees = append(fees, s.PriorityFees...)
	}
	if len(fees) == 0 {
		return new(big.Int).Set(min)
	}
	return clampBig(percentile(fees, pct), min, max)
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []*big.Int, pct float64) *big.Int {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	if pct <= 0 {
		return new(big.Int).Set(sorted[0])
	}
	if pct >= 100 {
		return new(big.Int).Set(sorted[len(sorted)-1])
	}

	rank := decimal.NewFromFloat(pct / 100).Mul(decimal.NewFromInt(int64(len(sorted) - 1)))
	lo := rank.Floor()
	frac := rank.Sub(lo)
	i := int(lo.IntPart())
	if i+1 >= len(sorted) {
		return new(big.Int).Set(sorted[i])
	}
	low := decimal.NewFromBigInt(sorted[i], 0)
	high := decimal.NewFromBigInt(sorted[i+1], 0)
	return low.Add(high.Sub(low).Mul(frac)).BigInt()
}

// maxFeeFor computes lastBase*buffer + priority and applies the ceiling. When
// capped, the priority fee is lowered to what the ceiling leaves above the
// predicted base fee, but never below min. Capping never raises it.
func maxFeeFor(lastBase, predictedBase, priority *big.Int, buffer decimal.Decimal, ceiling, min *big.Int) (maxFee, tip *big.Int) {
	maxFee = decimal.NewFromBigInt(lastBase, 0).Mul(buffer).BigInt()
	maxFee.Add(maxFee, priority)
	tip = new(big.Int).Set(priority)

	if ceiling == nil || ceiling.Sign() <= 0 || maxFee.Cmp(ceiling) <= 0 {
		return maxFee, tip
	}

	maxFee = new(big.Int).Set(ceiling)
	if room := new(big.Int).Sub(ceiling, predictedBase); room.Cmp(tip) < 0 {
		tip = room
	}
	if tip.Cmp(min) < 0 {
		tip = new(big.Int).Set(min)
	}
	return maxFee, tip
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func clampBig(v, lo, hi *big.Int) *big.Int {
	if lo != nil && v.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if hi != nil && v.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return v
}

// GweiToWei converts a gwei amount to wei, truncating sub-wei fractions.
func GweiToWei(gwei decimal.Decimal) *big.Int {
	return gwei.Mul(gweiUnit).BigInt()
}

// WeiToGwei renders wei as gwei for logs and metrics.
func WeiToGwei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, 0).Div(gweiUnit)
}
