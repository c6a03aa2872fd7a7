package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishKeysByStrategy(t *testing.T) {
	w := &captureWriter{}
	p := newKafkaPublisher(w, zerolog.Nop())

	ok := true
	profit := decimal.NewFromInt(12)
	at := time.Unix(1700000000, 0).UTC()
	err := p.Publish(context.Background(),
		Event{Type: TypeFound, ID: "a", Strategy: "vaultgap", EstimatedProfit: decimal.NewFromInt(10), At: at},
		Event{Type: TypeExecuted, ID: "a", Strategy: "vaultgap", Success: &ok, Profit: &profit, At: at},
	)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "vaultgap" {
		t.Fatalf("key = %s", w.msgs[0].Key)
	}

	var decoded Event
	if err := json.Unmarshal(w.msgs[1].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeExecuted || decoded.Success == nil || !*decoded.Success {
		t.Fatalf("unexpected event %+v", decoded)
	}
	if decoded.Profit == nil || !decoded.Profit.Equal(profit) {
		t.Fatalf("profit = %v", decoded.Profit)
	}
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := newKafkaPublisher(&captureWriter{err: boom}, zerolog.Nop())
	if err := p.Publish(context.Background(), Event{ID: "x"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestPublishNothingIsNoop(t *testing.T) {
	w := &captureWriter{err: errors.New("should not be called")}
	p := newKafkaPublisher(w, zerolog.Nop())
	if err := p.Publish(context.Background()); err != nil {
		t.Fatalf("empty publish: %v", err)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatal("close should reach the writer")
	}
}

func TestNewKafkaPublisherRequiresConfig(t *testing.T) {
	if _, err := NewKafkaPublisher(Options{Topic: "t"}, zerolog.Nop()); err == nil {
		t.Fatal("missing brokers should fail")
	}
	if _, err := NewKafkaPublisher(Options{Brokers: []string{"localhost:9092"}}, zerolog.Nop()); err == nil {
		t.Fatal("missing topic should fail")
	}
}
