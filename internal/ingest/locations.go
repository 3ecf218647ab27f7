package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Reporter interface {
	ReportDriverLocation(ctx context.Context, rep models.LocationReport) (bool, error)
}

// LocationConsumer feeds driver location reports from Kafka into the engine.
// Offsets are committed after the report is applied, invalid or stale. A
// report the engine cannot take is retried in place; later messages wait.
type LocationConsumer struct {
	reader     MessageReader
	reporter   Reporter
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewLocationConsumer(brokers []string, topic, group string, reporter Reporter, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return newLocationConsumer(r, reporter, logger)
}

func newLocationConsumer(r MessageReader, reporter Reporter, logger *slog.Logger) *LocationConsumer {
	return &LocationConsumer{
		reader:     r,
		reporter:   reporter,
		logger:     logger.With("component", "location-consumer"),
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
	}
}

func (c *LocationConsumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.backoff

		if err := c.apply(ctx, m); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit offset failed", "offset", m.Offset, "error", err)
		}
	}
}

// apply retries m until the engine takes it. A group reader hands out the
// next message whether or not this one was committed, so m is never skipped;
// only shutdown ends the loop, leaving the offset for the next consumer.
func (c *LocationConsumer) apply(ctx context.Context, m kafka.Message) error {
	backoff := c.backoff
	for {
		err := c.handle(ctx, m)
		if err == nil {
			return nil
		}
		c.logger.Error("apply location failed", "key", string(m.Key), "offset", m.Offset, "error", err, "backoff", backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// handle applies one message. Undecodable and invalid reports are dropped;
// only engine unavailability is returned.
func (c *LocationConsumer) handle(ctx context.Context, m kafka.Message) error {
	var rep models.LocationReport
	if err := json.Unmarshal(m.Value, &rep); err != nil {
		observability.LocationsIngested.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "error", err)
		return nil
	}
	if rep.DriverID == "" {
		rep.DriverID = string(m.Key)
	}
	_, err := c.reporter.ReportDriverLocation(ctx, rep)
	if errors.Is(err, models.ErrValidation) {
		c.logger.Warn("rejected location report", "driver_id", rep.DriverID, "error", err)
		return nil
	}
	return err
}

func (c *LocationConsumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
