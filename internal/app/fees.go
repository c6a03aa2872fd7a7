package app

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"text/tabwriter"

	"mev-scanner/internal/gas"
)

// Fees warms the fee history over recent blocks and prints an estimate.
func (a *App) Fees(ctx context.Context, opts FeesOptions) error {
	mgr, err := a.newProviders(nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	predictor := a.newPredictor(mgr, nil)
	if err := predictor.Warm(ctx, opts.Blocks); err != nil {
		a.Logger.Warn().Err(err).Msg("fee history warm-up failed")
	}

	est := predictor.Estimate(ctx)
	writeEstimate(os.Stdout, est)
	return nil
}

func writeEstimate(out io.Writer, est gas.Estimate) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Max fee\t%s gwei\n", gweiString(est.MaxFee))
	fmt.Fprintf(writer, "Priority fee\t%s gwei\n", gweiString(est.PriorityFee))
	fmt.Fprintf(writer, "Base fee\t%s gwei\n", gweiString(est.BaseFee))
	fmt.Fprintf(writer, "Predicted base fee\t%s gwei\n", gweiString(est.PredictedBaseFee))
	fmt.Fprintf(writer, "Trend\t%s\n", est.Trend.StringFixed(4))
	fmt.Fprintf(writer, "Block\t%d\n", est.Block)
	fmt.Fprintf(writer, "Samples\t%d\n", est.Samples)
	if est.Degraded {
		fmt.Fprintf(writer, "Degraded\t%s\n", sanitizeInline(est.Reason))
	}
	writer.Flush()
}

func gweiString(wei *big.Int) string {
	if wei == nil {
		return "-"
	}
	return formatDecimal(gas.WeiToGwei(wei), 3)
}
