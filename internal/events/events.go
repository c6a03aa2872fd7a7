// Package events publishes opportunity lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// Event types.
const (
	TypeFound    = "opportunity.found"
	TypeExecuted = "opportunity.executed"
)

// Event is the wire shape of one lifecycle event.
type Event struct {
	Type            string           `json:"type"`
	ID              string           `json:"id"`
	Strategy        string           `json:"strategy"`
	EstimatedProfit decimal.Decimal  `json:"estimated_profit"`
	Confidence      float64          `json:"confidence"`
	GasEstimate     uint64           `json:"gas_estimate"`
	Success         *bool            `json:"success,omitempty"`
	Profit          *decimal.Decimal `json:"profit,omitempty"`
	GasUsed         uint64           `json:"gas_used,omitempty"`
	LatencyMs       int64            `json:"latency_ms,omitempty"`
	Error           string           `json:"error,omitempty"`
	At              time.Time        `json:"at"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Options configure the Kafka publisher.
type Options struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by strategy so one strategy's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewKafkaPublisher builds a publisher for the configured topic.
func NewKafkaPublisher(opts Options, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 50 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: opts.BatchTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return newKafkaPublisher(writer, logger), nil
}

func newKafkaPublisher(w messageWriter, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger.With().Str("component", "events_kafka").Logger()}
}

// Publish writes events in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(ev.Strategy),
			Value: data,
			Time:  ev.At,
		}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d events: %w", len(msgs), err)
	}
	p.logger.Debug().Int("count", len(msgs)).Msg("events published")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var (
	_ Publisher     = (*KafkaPublisher)(nil)
	_ messageWriter = (*kafka.Writer)(nil)
)
