package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StatsSnapshot is a copy of a strategy's counters.
type StatsSnapshot struct {
	Scans         int64
	ScanErrors    int64
	Opportunities int64
	Successes     int64
	Failures      int64
	TotalProfit   decimal.Decimal
	LastScan      time.Time
	LastExecution time.Time
	LastError     string
}

// Stats accumulates per-strategy counters. Safe for concurrent use.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

// NewStats returns zeroed stats.
func NewStats() *Stats {
	return &Stats{snap: StatsSnapshot{TotalProfit: decimal.Zero}}
}

// RecordScan counts one scan that yielded found opportunities or failed with err.
func (s *Stats) RecordScan(found int, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Scans++
	s.snap.LastScan = at
	if err != nil {
		s.snap.ScanErrors++
		s.snap.LastError = err.Error()
		return
	}
	s.snap.Opportunities += int64(found)
}

// RecordExecution counts one execution attempt.
func (s *Stats) RecordExecution(success bool, profit decimal.Decimal, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastExecution = at
	if success {
		s.snap.Successes++
		s.snap.TotalProfit = s.snap.TotalProfit.Add(profit)
	} else {
		s.snap.Failures++
	}
	if err != nil {
		s.snap.LastError = err.Error()
	}
}

// Snapshot returns a consistent copy.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
