package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"mev-scanner/internal/app"
)

var (
	simulateVault  float64
	simulateMarket float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次金库/市场价差并走完执行与告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateVault <= 0 || simulateMarket <= 0 {
			return errors.New("--vault 与 --market 必须大于 0")
		}

		opts := app.SimulateOptions{
			VaultRate:  decimal.NewFromFloat(simulateVault),
			MarketRate: decimal.NewFromFloat(simulateMarket),
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateVault, "vault", 0, "金库口径 share/asset")
	simulateCmd.Flags().Float64Var(&simulateMarket, "market", 0, "市场口径 share/asset")
}
