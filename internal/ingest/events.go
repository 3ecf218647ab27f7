// Package ingest moves data between the engine and Kafka: committed ride
// events go out on one topic and driver location reports come in on another.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventProducer forwards ride events to Kafka keyed by ride id, so one
// ride's events stay ordered within a partition.
type EventProducer struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

func NewEventProducer(brokers []string, topic string, logger *slog.Logger) *EventProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newEventProducer(w, logger)
}

func newEventProducer(w MessageWriter, logger *slog.Logger) *EventProducer {
	return &EventProducer{writer: w, timeout: 2 * time.Second, logger: logger.With("component", "event-producer")}
}

func (p *EventProducer) Publish(ctx context.Context, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RideID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	})
}

// Run publishes everything from events until ctx ends or the channel is
// closed. Write failures are logged and the event is skipped.
func (p *EventProducer) Run(ctx context.Context, events <-chan models.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				p.logger.Error("event stream closed; producer fell behind")
				return fmt.Errorf("event producer: subscription closed")
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.logger.Error("publish event failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
			}
		}
	}
}

func (p *EventProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
