package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"mev-scanner/internal/storage"
)

// Show prints recent executions and a per-strategy summary.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show executions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentExecutions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no executions found")
		return nil
	}
	writeExecutions(os.Stdout, records)

	since := time.Now().UTC().Add(-opts.Since)
	if opts.Since <= 0 {
		since = time.Time{}
	}
	summaries, err := store.SummarizeStrategies(ctx, since)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	writeSummaries(os.Stdout, summaries)
	return nil
}

func writeExecutions(out io.Writer, records []storage.ExecutionRecord) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tStrategy\tID\tResult\tEst. Profit\tProfit\tSize\tLatency(ms)\tError")

	for _, rec := range records {
		result := "ok"
		if !rec.Success {
			result = "failed"
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s %s\t%d\t%s\n",
			rec.ExecutedAt.UTC().Format(time.RFC3339),
			rec.Strategy,
			shortID(rec.OpportunityID),
			result,
			formatDecimal(rec.EstimatedProfit, 4),
			formatDecimal(rec.Profit, 4),
			formatDecimal(rec.Size, 4),
			rec.Asset,
			rec.LatencyMs,
			errMsg,
		)
	}

	writer.Flush()
}

func writeSummaries(out io.Writer, summaries []storage.StrategySummary) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Strategy\tExecutions\tSuccesses\tTotal Profit\tLast (UTC)")
	for _, sum := range summaries {
		fmt.Fprintf(writer, "%s\t%d\t%d\t%s\t%s\n",
			sum.Strategy,
			sum.Executions,
			sum.Successes,
			formatDecimal(sum.TotalProfit, 4),
			sum.LastAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
