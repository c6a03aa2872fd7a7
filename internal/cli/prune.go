package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mev-scanner/internal/app"
)

var (
	pruneBefore    string
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete journalled executions older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneBefore != "" && pruneOlderThan > 0 {
			return fmt.Errorf("use either --before or --older-than")
		}

		var before time.Time
		switch {
		case pruneBefore != "":
			parsed, err := time.Parse(time.RFC3339, pruneBefore)
			if err != nil {
				return fmt.Errorf("invalid --before value: %w", err)
			}
			before = parsed
		case pruneOlderThan > 0:
			before = time.Now().UTC().Add(-pruneOlderThan)
		default:
			return fmt.Errorf("--before or --older-than must be provided")
		}

		return getApp().Prune(cmd.Context(), app.PruneOptions{Before: before, DryRun: pruneDryRun})
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Cutoff timestamp (RFC3339, exclusive)")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Cutoff relative to now, e.g. 720h")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report what would be deleted without deleting")
}
