package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mevscanner"

// Metrics holds the scanner's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	scans            *prometheus.CounterVec
	found            *prometheus.CounterVec
	executions       *prometheus.CounterVec
	executionLatency *prometheus.HistogramVec
	active           prometheus.Gauge
	cycleDuration    prometheus.Histogram

	endpointLatency *prometheus.GaugeVec
	endpointHealthy *prometheus.GaugeVec
	providerSwitch  prometheus.Counter

	feeMax      prometheus.Gauge
	feePriority prometheus.Gauge
	feeDegraded prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		scans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_scans_total",
			Help:      "Strategy scans by outcome.",
		}, []string{"strategy", "outcome"}),
		found: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_found_total",
			Help:      "Opportunities discovered per strategy.",
		}, []string{"strategy"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Opportunity executions by outcome.",
		}, []string{"strategy", "outcome"}),
		executionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Time spent executing an opportunity.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"strategy"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_opportunities",
			Help:      "Opportunities currently held in the active table.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_cycle_seconds",
			Help:      "Wall time of a full scan cycle.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.25, 12),
		}),
		endpointLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_endpoint_latency_ms",
			Help:      "Last measured probe latency per RPC endpoint.",
		}, []string{"endpoint"}),
		endpointHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_endpoint_healthy",
			Help:      "1 when the last probe of the endpoint succeeded.",
		}, []string{"endpoint"}),
		providerSwitch: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_provider_switches_total",
			Help:      "Times the active RPC endpoint changed.",
		}),
		feeMax: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fee_max_gwei",
			Help:      "Latest suggested max fee per gas.",
		}),
		feePriority: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fee_priority_gwei",
			Help:      "Latest suggested priority fee per gas.",
		}),
		feeDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_estimates_degraded_total",
			Help:      "Fee estimates that fell back to conservative defaults.",
		}),
	}
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveScan(strategy string, found int, err error) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(strategy, outcome(err == nil)).Inc()
	if found > 0 {
		m.found.WithLabelValues(strategy).Add(float64(found))
	}
}

func (m *Metrics) ObserveExecution(strategy string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(strategy, outcome(success)).Inc()
	m.executionLatency.WithLabelValues(strategy).Observe(latency.Seconds())
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) ObserveEndpoint(endpoint string, healthy bool, latencyMs float64) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
		m.endpointLatency.WithLabelValues(endpoint).Set(latencyMs)
	}
	m.endpointHealthy.WithLabelValues(endpoint).Set(v)
}

func (m *Metrics) IncProviderSwitch() {
	if m == nil {
		return
	}
	m.providerSwitch.Inc()
}

func (m *Metrics) ObserveFees(maxFeeGwei, priorityGwei float64, degraded bool) {
	if m == nil {
		return
	}
	m.feeMax.Set(maxFeeGwei)
	m.feePriority.Set(priorityGwei)
	if degraded {
		m.feeDegraded.Inc()
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
