package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mev-scanner/internal/app"
)

var (
	showLimit int
	showSince time.Duration
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent executions and per-strategy totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Since: showSince,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of executions to display")
	showCmd.Flags().DurationVar(&showSince, "since", 24*time.Hour, "Summary window (0 for all time)")
}
