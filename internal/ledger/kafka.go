package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"nostr-market/internal/types"
)

// messageWriter is the part of *kafka.Writer the ledger uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaLedger publishes trade records to a topic keyed by trade id, so every
// copy of a record lands on the same partition.
type KafkaLedger struct {
	writer messageWriter
	Topic  string
}

// NewKafkaLedger creates a ledger producer for the given brokers and topic
func NewKafkaLedger(brokers []string, topic string) *KafkaLedger {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaLedger{writer: writer, Topic: topic}
}

type tradeMessage struct {
	TradeRecord
	RecordedAt int64 `json:"recorded_at"`
}

// RecordTrade writes rec and waits for all in-sync replicas
func (l *KafkaLedger) RecordTrade(ctx context.Context, rec TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Currency == "" {
		rec.Currency = types.DefaultCurrency
	}
	value, err := json.Marshal(tradeMessage{TradeRecord: rec, RecordedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal trade record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.TradeID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := l.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	slog.Debug("trade recorded", "trade_id", rec.TradeID, "topic", l.Topic)
	return nil
}

// Close flushes and closes the underlying writer
func (l *KafkaLedger) Close() error {
	return l.writer.Close()
}
