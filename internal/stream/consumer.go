// Package stream ingests transactions from a Kafka topic. Each message value
// is one JSON transaction object, normalized the same way as uploaded files
// and processed on the user's lane.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/ingest"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
)

// Default consumer settings.
const (
	DefaultPollTimeoutMs  = 100
	DefaultCommitInterval = 20
)

// Processor runs one transaction to completion.
type Processor interface {
	Process(ctx context.Context, in fraud.TransactionInput) (*fraud.Transaction, error)
}

// Config configures a Consumer.
type Config struct {
	Broker         string
	Topic          string
	GroupID        string
	CommitInterval int // messages between offset commits
}

// Consumer polls a topic and feeds messages to a Processor.
type Consumer struct {
	consumer  *kafka.Consumer
	processor Processor
	cfg       Config
	backoff   retry.Policy
	logger    *slog.Logger
}

// NewConsumer connects to the broker and subscribes to the topic. Offsets
// are committed manually after processing so a crash replays at most
// CommitInterval messages; the engine's transaction dedup absorbs replays.
// Store failures rewind the partition and are retried with backoff.
func NewConsumer(cfg Config, processor Processor, logger *slog.Logger) (*Consumer, error) {
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = DefaultCommitInterval
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Broker,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}
	return &Consumer{consumer: c, processor: processor, cfg: cfg, backoff: retry.Startup, logger: logger}, nil
}

// Run polls until ctx is cancelled, then commits and closes the consumer.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("stream consumer started", "topic", c.cfg.Topic, "group", c.cfg.GroupID)
	defer func() {
		if _, err := c.consumer.Commit(); err != nil && !isNoOffset(err) {
			c.logger.Warn("final offset commit failed", "error", err)
		}
		if err := c.consumer.Close(); err != nil {
			c.logger.Warn("kafka consumer close failed", "error", err)
		}
		c.logger.Info("stream consumer stopped")
	}()

	pending, failures := 0, 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev := c.consumer.Poll(DefaultPollTimeoutMs)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := c.handle(ctx, e); err != nil {
				failures++
				c.redeliver(ctx, e, failures, err)
				continue
			}
			failures = 0
			pending++
			if pending >= c.cfg.CommitInterval {
				if _, err := c.consumer.Commit(); err != nil && !isNoOffset(err) {
					c.logger.Warn("offset commit failed", "error", err)
				}
				pending = 0
			}
		case kafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("fatal kafka error: %w", e)
			}
			c.logger.Warn("kafka error", "error", e)
		case kafka.PartitionEOF:
			c.logger.Debug("reached end of partition", "partition", e.Partition)
		default:
			c.logger.Debug("ignored kafka event", "event", e.String())
		}
	}
}

// handle processes one message. Bad messages are logged and skipped; they
// are still committed so a poison message cannot wedge the partition. A store
// failure is returned so the message is redelivered instead of committed.
func (c *Consumer) handle(ctx context.Context, msg *kafka.Message) error {
	ctx = logging.WithLogger(ctx, c.logger)
	ctx = logging.With(ctx, "topic", *msg.TopicPartition.Topic, "partition", msg.TopicPartition.Partition, "offset", int64(msg.TopicPartition.Offset))
	return c.process(ctx, msg.Value)
}

func (c *Consumer) process(ctx context.Context, value []byte) error {
	log := logging.L(ctx)

	in, err := Decode(value)
	if err != nil {
		metrics.IngestRejectedTotal.WithLabelValues("kafka", ingest.RejectReason(err)).Inc()
		log.Warn("message skipped", "error", err)
		return nil
	}

	if _, err := c.processor.Process(ctx, in); err != nil {
		if Retryable(err) {
			return err
		}
		log.Error("transaction failed", "transaction_id", in.TransactionID, "error", err)
	}
	return nil
}

// redeliver rewinds the partition to msg so the next poll returns it again,
// then backs off. Offsets after msg are not committed until it succeeds.
func (c *Consumer) redeliver(ctx context.Context, msg *kafka.Message, attempt int, cause error) {
	wait := c.backoff.Delay(attempt)
	c.logger.Warn("transaction will be redelivered",
		"partition", msg.TopicPartition.Partition,
		"offset", int64(msg.TopicPartition.Offset),
		"attempt", attempt,
		"wait", wait,
		"error", cause,
	)
	if err := c.consumer.Seek(msg.TopicPartition, 0); err != nil {
		c.logger.Error("seek for redelivery failed", "error", err)
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Retryable reports whether err is a transient store failure worth
// redelivering. Invalid input never becomes valid on retry.
func Retryable(err error) bool {
	var se *fraud.StoreError
	return errors.As(err, &se)
}

// Decode converts one message value into an engine input.
func Decode(value []byte) (fraud.TransactionInput, error) {
	rec, err := ingest.DecodeObject(value)
	if err != nil {
		return fraud.TransactionInput{}, &ingest.ParseError{Reason: err.Error()}
	}
	return ingest.Normalize(rec)
}

func isNoOffset(err error) bool {
	var kerr kafka.Error
	return errors.As(err, &kerr) && kerr.Code() == kafka.ErrNoOffset
}
