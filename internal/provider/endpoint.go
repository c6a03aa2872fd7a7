package provider

import (
	"regexp"
	"strings"
	"time"
)

// Transport distinguishes request/response endpoints from streaming ones.
type Transport string

const (
	TransportRequest Transport = "request"
	TransportStream  Transport = "stream"
)

// Health is the probe-derived state of an endpoint.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Endpoint is a point-in-time view of one RPC endpoint.
type Endpoint struct {
	URL         string
	Transport   Transport
	Health      Health
	LatencyMs   float64
	LastSuccess time.Time
	CheckedAt   time.Time
	LastError   string
	Primary     bool
}

// Healthy reports whether the last probe succeeded.
func (e Endpoint) Healthy() bool {
	return e.Health == HealthHealthy
}

func transportFor(url string) Transport {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://") || strings.HasSuffix(lower, ".ipc") {
		return TransportStream
	}
	return TransportRequest
}

var directConnect = regexp.MustCompile(`(?i)^(?:(?:https?|wss?)://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\]|host\.docker\.internal)(?::\d+)?(?:/.*)?|.+\.ipc)$`)

// IsDirectConnect reports whether url points at a local node that is trusted
// without health checks.
func IsDirectConnect(url string) bool {
	return directConnect.MatchString(strings.TrimSpace(url))
}

// selectEndpoint picks the lowest-latency healthy endpoint. On equal latency
// the active endpoint is kept; otherwise earlier entries win.
func selectEndpoint(endpoints []Endpoint, active string) (Endpoint, bool) {
	best := -1
	for i, ep := range endpoints {
		if !ep.Healthy() {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		current := endpoints[best]
		switch {
		case ep.LatencyMs < current.LatencyMs:
			best = i
		case ep.LatencyMs == current.LatencyMs && ep.URL == active:
			best = i
		}
	}
	if best < 0 {
		return Endpoint{}, false
	}
	return endpoints[best], true
}
