package cli

import (
	"github.com/spf13/cobra"

	"mev-scanner/internal/app"
)

var feesBlocks int

var feesCmd = &cobra.Command{
	Use:   "fees",
	Short: "Sample recent blocks and print a fee estimate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Fees(cmd.Context(), app.FeesOptions{Blocks: feesBlocks})
	},
}

func init() {
	feesCmd.Flags().IntVar(&feesBlocks, "blocks", 20, "Number of recent blocks to sample (0 uses fees.history_size)")
}
