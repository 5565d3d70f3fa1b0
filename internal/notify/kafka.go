package notify

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

// KafkaPublisher produces flags to a topic, keyed by user id so one user's
// flags stay ordered within a partition.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaPublisher connects a producer to broker.
func NewKafkaPublisher(broker, topic string) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  broker,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &KafkaPublisher{producer: p, topic: topic}, nil
}

func (k *KafkaPublisher) Name() string { return "kafka" }

// Publish produces one message and waits for its delivery report.
func (k *KafkaPublisher) Publish(ctx context.Context, flag *fraud.FlaggedTransaction) error {
	payload, err := Encode(flag)
	if err != nil {
		return fmt.Errorf("failed to encode flag: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(flag.UserID),
		Value:          payload,
		Headers:        []kafka.Header{{Key: "fraud_type", Value: []byte(flag.FraudType)}},
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to produce flag: %w", err)
	}

	select {
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("flag delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding messages and closes the producer.
func (k *KafkaPublisher) Close() error {
	k.producer.Flush(5000)
	k.producer.Close()
	return nil
}
