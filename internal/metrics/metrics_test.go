package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveScan("arb", 1, nil)
	m.ObserveExecution("arb", true, time.Second)
	m.SetActive(3)
	m.ObserveEndpoint("http://x", true, 12)
	m.ObserveFees(30, 2, false)
	m.IncProviderSwitch()
	m.ObserveCycle(time.Second)
	if m.Registry() != nil {
		t.Fatal("nil metrics should expose no registry")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveScan("vaultgap", 2, nil)
	m.ObserveScan("vaultgap", 0, errors.New("x"))
	m.ObserveEndpoint("https://rpc.example", true, 42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`mevscanner_strategy_scans_total{outcome="success",strategy="vaultgap"} 1`,
		`mevscanner_strategy_scans_total{outcome="failure",strategy="vaultgap"} 1`,
		`mevscanner_opportunities_found_total{strategy="vaultgap"} 2`,
		`mevscanner_rpc_endpoint_latency_ms{endpoint="https://rpc.example"} 42`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
