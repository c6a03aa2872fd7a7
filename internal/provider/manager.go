package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"mev-scanner/internal/metrics"
	"mev-scanner/internal/retry"
	"mev-scanner/internal/scheduler"
)

var (
	// ErrNoHealthyProvider means every configured endpoint failed its last probe.
	ErrNoHealthyProvider = errors.New("provider: no healthy rpc endpoints")
	// ErrNotConfigured indicates neither a primary nor a local endpoint was given.
	ErrNotConfigured = errors.New("provider: no rpc endpoints configured")
)

const maxProbeAttempts = 2

// Options configure endpoint selection and probing.
type Options struct {
	Primary        string
	Fallbacks      []string
	Local          string
	HealthInterval time.Duration
	HealthCacheTTL time.Duration
	ProbeTimeout   time.Duration
	Retry          retry.Policy
	// BreakerFailures consecutive probe failures open an endpoint's breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type endpointState struct {
	info    Endpoint
	breaker *gobreaker.CircuitBreaker

	probeMu  sync.Mutex
	clientMu sync.Mutex
	client   Client
}

// Manager owns the RPC endpoints, probes them and hands out the best one.
type Manager struct {
	opts    Options
	dial    Dialer
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	local *endpointState

	mu        sync.Mutex
	endpoints []*endpointState
	active    string
}

// NewManager builds a Manager. Fallbacks duplicating the primary are ignored.
func NewManager(opts Options, dial Dialer, logger zerolog.Logger, m *metrics.Metrics) (*Manager, error) {
	opts = withDefaults(opts)
	if dial == nil {
		dial = DialEthereum
	}

	mgr := &Manager{
		opts:    opts,
		dial:    dial,
		logger:  logger.With().Str("component", "provider_manager").Logger(),
		metrics: m,
		now:     time.Now,
	}

	local := strings.TrimSpace(opts.Local)
	if local != "" && IsDirectConnect(local) {
		mgr.local = mgr.newState(local, false)
	}

	seen := make(map[string]struct{})
	add := func(url string, primary bool) {
		url = strings.TrimSpace(url)
		if url == "" {
			return
		}
		if _, dup := seen[url]; dup {
			return
		}
		seen[url] = struct{}{}
		mgr.endpoints = append(mgr.endpoints, mgr.newState(url, primary))
	}
	add(opts.Primary, true)
	for _, fb := range opts.Fallbacks {
		add(fb, false)
	}
	// A configured local endpoint that is not direct-connect is just another candidate.
	if local != "" && mgr.local == nil {
		add(local, false)
	}

	if mgr.local == nil && len(mgr.endpoints) == 0 {
		return nil, ErrNotConfigured
	}
	if len(mgr.endpoints) > 0 {
		mgr.active = mgr.endpoints[0].info.URL
	}
	return mgr, nil
}

func withDefaults(opts Options) Options {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 15 * time.Second
	}
	if opts.HealthCacheTTL <= 0 {
		opts.HealthCacheTTL = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Retry.MaxAttempts > maxProbeAttempts {
		opts.Retry = opts.Retry.WithAttempts(maxProbeAttempts)
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 2 * opts.HealthInterval
	}
	return opts
}

func (m *Manager) newState(url string, primary bool) *endpointState {
	st := &endpointState{
		info: Endpoint{
			URL:       url,
			Transport: transportFor(url),
			Health:    HealthUnknown,
			Primary:   primary,
		},
	}
	threshold := m.opts.BreakerFailures
	st.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     m.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Warn().Str("endpoint", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("endpoint breaker state changed")
		},
	})
	return st
}

// Client returns a handle to the best healthy endpoint.
func (m *Manager) Client(ctx context.Context) (Client, error) {
	if m.local != nil {
		return m.clientFor(ctx, m.local)
	}

	var unknown []*endpointState
	m.mu.Lock()
	for _, ep := range m.endpoints {
		if ep.info.Health == HealthUnknown {
			unknown = append(unknown, ep)
		}
	}
	m.mu.Unlock()
	if len(unknown) > 0 {
		m.probeEach(ctx, unknown)
	}

	m.mu.Lock()
	snapshot := m.snapshotLocked()
	chosen, ok := selectEndpoint(snapshot, m.active)
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoHealthyProvider
	}
	previous := m.active
	m.active = chosen.URL
	state := m.stateLocked(chosen.URL)
	m.mu.Unlock()

	if previous != chosen.URL {
		m.metrics.IncProviderSwitch()
		m.logger.Info().Str("from", previous).Str("to", chosen.URL).
			Float64("latency_ms", chosen.LatencyMs).
			Msg("switched active rpc endpoint")
	}

	client, err := m.clientFor(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", chosen.URL, err)
	}
	return client, nil
}

// CheckAll probes every endpoint concurrently, honouring the health cache.
func (m *Manager) CheckAll(ctx context.Context) []Endpoint {
	m.mu.Lock()
	states := append([]*endpointState(nil), m.endpoints...)
	m.mu.Unlock()

	m.probeEach(ctx, states)
	return m.Endpoints()
}

// Run probes all endpoints every HealthInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.endpoints) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	sched := scheduler.New(scheduler.Options{
		Name:     "provider_health",
		Interval: m.opts.HealthInterval,
	}, m.logger)
	return sched.Run(ctx, func(ctx context.Context) error {
		endpoints := m.CheckAll(ctx)
		healthy := 0
		for _, ep := range endpoints {
			if ep.Healthy() {
				healthy++
			}
		}
		m.logger.Debug().Int("healthy", healthy).Int("total", len(endpoints)).Msg("health sweep complete")
		return nil
	})
}

// Endpoints returns a snapshot of every candidate endpoint in config order.
func (m *Manager) Endpoints() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Active returns the URL currently preferred for new calls.
func (m *Manager) Active() string {
	if m.local != nil {
		return m.local.info.URL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close releases every dialled client.
func (m *Manager) Close() {
	states := append([]*endpointState(nil), m.endpoints...)
	if m.local != nil {
		states = append(states, m.local)
	}
	for _, st := range states {
		st.clientMu.Lock()
		if st.client != nil {
			st.client.Close()
			st.client = nil
		}
		st.clientMu.Unlock()
	}
}

func (m *Manager) probeEach(ctx context.Context, states []*endpointState) {
	var wg sync.WaitGroup
	for _, st := range states {
		wg.Add(1)
		go func(st *endpointState) {
			defer wg.Done()
			m.check(ctx, st)
		}(st)
	}
	wg.Wait()
}

// check probes st unless its cached result is still within the TTL.
func (m *Manager) check(ctx context.Context, st *endpointState) Endpoint {
	st.probeMu.Lock()
	defer st.probeMu.Unlock()

	m.mu.Lock()
	cached := st.info
	m.mu.Unlock()
	if cached.Health != HealthUnknown && m.now().Sub(cached.CheckedAt) < m.opts.HealthCacheTTL {
		return cached
	}

	var latency time.Duration
	_, err := st.breaker.Execute(func() (interface{}, error) {
		return retry.DoValue(ctx, "probe "+cached.URL, m.opts.Retry, func(ctx context.Context) (uint64, error) {
			client, err := m.clientFor(ctx, st)
			if err != nil {
				return 0, err
			}
			callCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
			defer cancel()

			started := time.Now()
			head, err := client.BlockNumber(callCtx)
			if err != nil {
				m.dropClient(st)
				return 0, err
			}
			latency = time.Since(started)
			return head, nil
		}, nil)
	})

	now := m.now()
	m.mu.Lock()
	st.info.CheckedAt = now
	if err != nil {
		st.info.Health = HealthUnhealthy
		st.info.LastError = err.Error()
	} else {
		st.info.Health = HealthHealthy
		st.info.LatencyMs = float64(latency.Microseconds()) / 1000
		st.info.LastSuccess = now
		st.info.LastError = ""
	}
	result := st.info
	m.mu.Unlock()

	m.metrics.ObserveEndpoint(result.URL, result.Healthy(), result.LatencyMs)
	if err != nil {
		m.logger.Warn().Err(err).Str("endpoint", result.URL).Msg("endpoint probe failed")
	} else {
		m.logger.Debug().Str("endpoint", result.URL).Float64("latency_ms", result.LatencyMs).Msg("endpoint healthy")
	}
	return result
}

func (m *Manager) clientFor(ctx context.Context, st *endpointState) (Client, error) {
	st.clientMu.Lock()
	defer st.clientMu.Unlock()

	if st.client != nil {
		return st.client, nil
	}
	client, err := m.dial(ctx, st.info.URL)
	if err != nil {
		return nil, err
	}
	st.client = client
	return client, nil
}

// dropClient forgets a streaming client after a failed call so the next
// probe redials; request/response clients carry no connection state.
func (m *Manager) dropClient(st *endpointState) {
	if st.info.Transport != TransportStream {
		return
	}
	st.clientMu.Lock()
	defer st.clientMu.Unlock()
	if st.client != nil {
		st.client.Close()
		st.client = nil
	}
}

func (m *Manager) snapshotLocked() []Endpoint {
	out := make([]Endpoint, 0, len(m.endpoints))
	for _, st := range m.endpoints {
		out = append(out, st.info)
	}
	return out
}

func (m *Manager) stateLocked(url string) *endpointState {
	for _, st := range m.endpoints {
		if st.info.URL == url {
			return st
		}
	}
	return nil
}
