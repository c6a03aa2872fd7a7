package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"mev-scanner/internal/app"
)

var (
	sizeAsset      string
	sizeDecimals   int32
	sizeConfidence float64
	sizeBalance    string
	sizeMode       string
)

var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Compute a position size for a hypothetical opportunity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sizeConfidence < 0 || sizeConfidence > 1 {
			return fmt.Errorf("--confidence must be within [0, 1]")
		}
		balance, err := decimal.NewFromString(sizeBalance)
		if err != nil {
			return fmt.Errorf("invalid --balance value: %w", err)
		}
		if balance.IsNegative() {
			return fmt.Errorf("--balance cannot be negative")
		}

		opts := app.SizeOptions{
			Asset:      sizeAsset,
			Decimals:   sizeDecimals,
			Confidence: sizeConfidence,
			BalanceETH: balance,
			Mode:       sizeMode,
		}
		return getApp().Size(cmd.Context(), opts)
	},
}

func init() {
	sizeCmd.Flags().StringVar(&sizeAsset, "asset", "ETH", "Asset symbol to size")
	sizeCmd.Flags().Int32Var(&sizeDecimals, "decimals", 18, "Asset decimals used to truncate the size")
	sizeCmd.Flags().Float64Var(&sizeConfidence, "confidence", 1, "Opportunity confidence in [0, 1]")
	sizeCmd.Flags().StringVar(&sizeBalance, "balance", "1", "Account balance in ETH")
	sizeCmd.Flags().StringVar(&sizeMode, "mode", "", "Override risk.mode (fixed or volatility)")
}
