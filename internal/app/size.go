package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"mev-scanner/internal/risk"
)

// Size runs the position sizer for one hypothetical opportunity.
func (a *App) Size(ctx context.Context, opts SizeOptions) error {
	params, err := a.riskParameters()
	if err != nil {
		return err
	}
	if opts.Mode != "" {
		mode, err := risk.ParseMode(opts.Mode)
		if err != nil {
			return err
		}
		params.Mode = mode
	}

	prices, closePrices := a.newPriceSource()
	defer closePrices()

	sizer, err := risk.NewEngine(params, prices, a.Logger)
	if err != nil {
		return err
	}

	balance := opts.BalanceETH.Shift(18).BigInt()
	req := risk.Request{
		Asset:      strings.ToUpper(opts.Asset),
		Decimals:   opts.Decimals,
		Confidence: opts.Confidence,
		Balance:    balance,
	}
	sizing := sizer.PositionSize(ctx, req)
	writeSizing(os.Stdout, req, sizing, sizer.HasSufficientETH(balance))
	return nil
}

func writeSizing(out io.Writer, req risk.Request, sizing risk.Sizing, sufficient bool) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Asset\t%s\n", req.Asset)
	fmt.Fprintf(writer, "Mode\t%s\n", sizing.Mode)
	fmt.Fprintf(writer, "Size\t%s\n", sizing.Size.String())
	if sizing.Mode == risk.ModeVolatility && !sizing.Degraded {
		fmt.Fprintf(writer, "Volatility\t%s (%s)\n", sizing.Volatility.StringFixed(5), sizing.Method)
	}
	fmt.Fprintf(writer, "Balance gate\t%t\n", sufficient)
	if sizing.Degraded {
		fmt.Fprintf(writer, "Degraded\t%s\n", sanitizeInline(sizing.Reason))
	}
	writer.Flush()
}
