package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"mev-scanner/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// Export renders journalled executions as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListExecutionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no executions found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		if err := writeExecutionsCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		points := cumulativeProfit(records)
		downsampled := downsamplePoints(points, opts.MaxPoints)
		a.Logger.Info().Int("total", len(points)).Int("plotted", len(downsampled)).Msg("rendering profit chart")
		if err := writeProfitPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// profitPoint is one execution on the cumulative profit curve.
type profitPoint struct {
	At         time.Time
	Profit     decimal.Decimal
	Cumulative decimal.Decimal
}

// cumulativeProfit expects records oldest first. Failed executions add zero.
func cumulativeProfit(records []storage.ExecutionRecord) []profitPoint {
	points := make([]profitPoint, 0, len(records))
	total := decimal.Zero
	for _, rec := range records {
		profit := decimal.Zero
		if rec.Success {
			profit = rec.Profit
		}
		total = total.Add(profit)
		points = append(points, profitPoint{At: rec.ExecutedAt, Profit: profit, Cumulative: total})
	}
	return points
}

func downsamplePoints(points []profitPoint, max int) []profitPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]profitPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeExecutionsCSV(path string, records []storage.ExecutionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"executed_at", "opportunity_id", "strategy", "success", "estimated_profit", "profit", "size", "asset", "confidence", "gas_used", "latency_ms", "max_fee_wei", "fees_degraded", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		maxFee := ""
		if rec.MaxFeeWei != nil {
			maxFee = *rec.MaxFeeWei
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		record := []string{
			rec.ExecutedAt.UTC().Format(time.RFC3339),
			rec.OpportunityID,
			rec.Strategy,
			strconv.FormatBool(rec.Success),
			rec.EstimatedProfit.String(),
			rec.Profit.String(),
			rec.Size.String(),
			rec.Asset,
			strconv.FormatFloat(rec.Confidence, 'f', 4, 64),
			strconv.FormatInt(rec.GasUsed, 10),
			strconv.FormatInt(rec.LatencyMs, 10),
			maxFee,
			strconv.FormatBool(rec.Degraded),
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeProfitPNG(path string, points []profitPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	cumulative := make([]float64, len(points))
	perTrade := make([]float64, len(points))

	for i, p := range points {
		x[i] = p.At
		cumulative[i] = p.Cumulative.InexactFloat64()
		perTrade[i] = p.Profit.InexactFloat64()
	}

	profitFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative profit",
			ValueFormatter: profitFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Profit per execution",
			ValueFormatter: profitFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
			},
			chart.TimeSeries{
				Name:    "Per execution",
				XValues: x,
				YValues: perTrade,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
