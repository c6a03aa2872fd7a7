package app

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/alerting"
	"mev-scanner/internal/config"
	"mev-scanner/internal/gas"
	"mev-scanner/internal/provider"
	"mev-scanner/internal/risk"
	"mev-scanner/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Scanner: config.ScannerConfig{
			Interval:       time.Second,
			OpportunityTTL: time.Minute,
			Strategies:     []string{"vaultgap"},
		},
		Risk: config.RiskConfig{
			Mode:              "fixed",
			BaseSize:          0.1,
			MaxRiskPerTrade:   0.02,
			MinBalanceETH:     0.05,
			MaxPosition:       10000,
			VolatilityWindow:  14,
			VolatilityFloor:   0.005,
			DefaultVolatility: 0.01,
			NativeAsset:       "ETH",
		},
		VaultGap: config.VaultGapConfig{
			Enabled:       true,
			VaultAddress:  "0x9D39A5DE30e57443BfF2A8307A4256c8797A3497",
			AssetAddress:  "0x4c9EDD5852cd905f086C759E8383e09bff1E68B3",
			AssetSymbol:   "usde",
			AssetDecimals: 18,
			ShareDecimals: 18,
			ThresholdPct:  0.4,
			Notional:      10000,
		},
		Alerting: config.AlertingConfig{Enabled: true, OnFailure: true},
		Export:   config.ExportConfig{MaxDataPoints: 100},
	}
}

func TestRiskParametersFromConfig(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	params, err := a.riskParameters()
	if err != nil {
		t.Fatalf("risk parameters: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	if params.MinBalance.Cmp(want) != 0 {
		t.Fatalf("min balance %s, want %s", params.MinBalance, want)
	}
	if params.Mode != risk.ModeFixed || !params.BaseSize.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected params %+v", params)
	}
	if err := params.Validate(); err != nil {
		t.Fatalf("params should validate: %v", err)
	}
}

func TestNewStrategies(t *testing.T) {
	cfg := testConfig()
	a := NewApp(cfg, zerolog.Nop())

	got, err := a.newStrategies(nil, nil)
	if err != nil || len(got) != 1 || got[0].Tag() != "vaultgap" {
		t.Fatalf("expected vaultgap, got %v %v", got, err)
	}

	cfg.VaultGap.Enabled = false
	if got, _ := a.newStrategies(nil, nil); len(got) != 0 {
		t.Fatalf("disabled strategy was built: %v", got)
	}

	cfg.Scanner.Strategies = []string{"sandwich"}
	if _, err := a.newStrategies(nil, nil); err == nil {
		t.Fatal("unknown strategy should fail")
	}
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

func TestSuccessOnlyDropsFailures(t *testing.T) {
	next := &recordingNotifier{}
	n := successOnly{next: next}

	_ = n.Notify(context.Background(), alerting.Notification{Success: false})
	_ = n.Notify(context.Background(), alerting.Notification{Success: true, OpportunityID: "a"})

	if len(next.notes) != 1 || next.notes[0].OpportunityID != "a" {
		t.Fatalf("unexpected notes %+v", next.notes)
	}
}

func TestSimulateAlertRequiresChannel(t *testing.T) {
	cfg := testConfig()
	a := NewApp(cfg, zerolog.Nop())
	err := a.SimulateAlert(context.Background(), SimulateOptions{
		VaultRate:  decimal.RequireFromString("0.85"),
		MarketRate: decimal.RequireFromString("0.86"),
	})
	if err == nil {
		t.Fatal("simulate without telegram should fail")
	}

	cfg.Alerting.Enabled = false
	if err := a.SimulateAlert(context.Background(), SimulateOptions{}); err == nil {
		t.Fatal("simulate with alerting disabled should fail")
	}
}

func TestCumulativeProfitSkipsFailures(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []storage.ExecutionRecord{
		{Success: true, Profit: decimal.RequireFromString("1.5"), ExecutedAt: base},
		{Success: false, Profit: decimal.RequireFromString("9"), ExecutedAt: base.Add(time.Minute)},
		{Success: true, Profit: decimal.RequireFromString("0.5"), ExecutedAt: base.Add(2 * time.Minute)},
	}

	points := cumulativeProfit(records)
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	if !points[1].Cumulative.Equal(decimal.RequireFromString("1.5")) || !points[2].Cumulative.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected curve %+v", points)
	}
}

func TestDownsamplePointsKeepsEnds(t *testing.T) {
	points := make([]profitPoint, 10)
	for i := range points {
		points[i] = profitPoint{Cumulative: decimal.NewFromInt(int64(i))}
	}

	got := downsamplePoints(points, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if !got[0].Cumulative.Equal(decimal.Zero) || !got[3].Cumulative.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("ends not preserved: %+v", got)
	}
	if len(downsamplePoints(points, 0)) != 10 {
		t.Fatal("zero max should keep everything")
	}
}

func TestWriteExecutionsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "executions.csv")
	msg := "reverted"
	records := []storage.ExecutionRecord{{
		OpportunityID: "abc",
		Strategy:      "vaultgap",
		Profit:        decimal.RequireFromString("1.25"),
		Error:         &msg,
		ExecutedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}}

	if err := writeExecutionsCSV(path, records); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "2025-01-01T00:00:00Z,abc,vaultgap,false") || !strings.HasSuffix(lines[1], "reverted") {
		t.Fatalf("unexpected csv %q", body)
	}
}

func TestWriteEndpointsMarksActive(t *testing.T) {
	var buf bytes.Buffer
	writeEndpoints(&buf, []provider.Endpoint{
		{URL: "https://a.example", Health: provider.HealthHealthy, LatencyMs: 12.5, Primary: true},
		{URL: "https://b.example", Health: provider.HealthUnhealthy, LastError: "dial\ntimeout"},
	}, "https://a.example")

	out := buf.String()
	if !strings.Contains(out, "*P") || !strings.Contains(out, "12.5") || !strings.Contains(out, "dial timeout") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestWriteEstimateDegraded(t *testing.T) {
	var buf bytes.Buffer
	writeEstimate(&buf, gas.Estimate{
		MaxFee:      gas.GweiToWei(decimal.NewFromInt(50)),
		PriorityFee: gas.GweiToWei(decimal.NewFromInt(1)),
		Trend:       decimal.NewFromInt(1),
		Degraded:    true,
		Reason:      "fee history is empty",
	})

	out := buf.String()
	if !strings.Contains(out, "50.000 gwei") || !strings.Contains(out, "fee history is empty") {
		t.Fatalf("unexpected estimate output:\n%s", out)
	}
}

func TestPruneValidatesCutoff(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	if err := a.Prune(context.Background(), PruneOptions{}); err == nil {
		t.Fatal("zero cutoff should fail")
	}
	err := a.Prune(context.Background(), PruneOptions{Before: time.Now().Add(-time.Hour)})
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("prune without database should fail, got %v", err)
	}
}
