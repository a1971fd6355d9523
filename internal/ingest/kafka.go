// Package ingest consumes custom events from a Kafka topic.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gyaneshwarpardhi/automation/internal/config"
	"github.com/gyaneshwarpardhi/automation/internal/event"
)

const (
	kafkaMinBytes = 1        // deliver single events promptly
	kafkaMaxBytes = 10 << 20 // 10MB
)

// Sink receives decoded events.
type Sink interface {
	OnCustomEvent(ev *event.CustomEvent) error
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader returns a consumer-group reader for the configured topic.
func NewReader(cfg config.KafkaConf) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: kafkaMinBytes,
		MaxBytes: kafkaMaxBytes,
		MaxWait:  250 * time.Millisecond,
	})
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Consumer reads events and hands them to a Sink. Offsets are committed
// after the sink has accepted or rejected the event, so a crash replays
// at most the in-flight message.
type Consumer struct {
	reader MessageReader
	sink   Sink
	logger *slog.Logger
}

func NewConsumer(r MessageReader, sink Sink, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, sink: sink, logger: logger.With("component", "kafka-ingest")}
}

// Run consumes until ctx ends. It returns nil on cancellation and the
// first fetch or commit error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("kafka consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		c.handle(msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(msg kafka.Message) {
	var ev event.CustomEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Warn("dropping undecodable event",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return
	}
	ev.Source = "kafka"
	if err := c.sink.OnCustomEvent(&ev); err != nil {
		c.logger.Warn("event rejected",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
	}
}
