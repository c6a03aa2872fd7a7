package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionRecord is one journalled execution attempt.
type ExecutionRecord struct {
	OpportunityID   string
	Strategy        string
	Success         bool
	EstimatedProfit decimal.Decimal
	Profit          decimal.Decimal
	Size            decimal.Decimal
	Asset           string
	Confidence      float64
	GasUsed         int64
	LatencyMs       int64
	MaxFeeWei       *string
	Degraded        bool
	Error           *string
	Payload         json.RawMessage
	DiscoveredAt    time.Time
	ExecutedAt      time.Time
	CreatedAt       time.Time
}

// StrategySummary aggregates journalled executions per strategy.
type StrategySummary struct {
	Strategy    string
	Executions  int64
	Successes   int64
	TotalProfit decimal.Decimal
	LastAt      time.Time
}
