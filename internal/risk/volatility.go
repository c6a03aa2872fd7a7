package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"mev-scanner/internal/pricing"
)

// Volatility estimation methods, in order of preference.
const (
	MethodATR        = "atr"
	MethodLogReturns = "log_returns"
	MethodDefault    = "default"
)

// atrRatio is the average true range over the last window bars, normalised by
// the last close. It needs window+1 bars so every range has a previous close.
func atrRatio(candles []pricing.Candle, window int) (decimal.Decimal, bool) {
	if window <= 0 || len(candles) < window+1 {
		return decimal.Decimal{}, false
	}
	candles = candles[len(candles)-window-1:]
	last := candles[len(candles)-1].Close
	if last.Sign() <= 0 {
		return decimal.Decimal{}, false
	}

	sum := decimal.Zero
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prev := candles[i-1].Close
		tr := c.High.Sub(c.Low)
		if v := c.High.Sub(prev).Abs(); v.GreaterThan(tr) {
			tr = v
		}
		if v := c.Low.Sub(prev).Abs(); v.GreaterThan(tr) {
			tr = v
		}
		sum = sum.Add(tr)
	}
	atr := sum.Div(decimal.NewFromInt(int64(window)))
	return atr.Div(last), true
}

// logReturnStdDev is the sample standard deviation of close-to-close log
// returns. At least two returns are required.
func logReturnStdDev(candles []pricing.Candle) (decimal.Decimal, bool) {
	var returns []float64
	for i := 1; i < len(candles); i++ {
		prev, _ := candles[i-1].Close.Float64()
		cur, _ := candles[i].Close.Float64()
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return decimal.Decimal{}, false
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return decimal.NewFromFloat(math.Sqrt(variance)), true
}
