package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// KafkaPublisher publishes events to one Kafka topic, keyed by market or user.
type KafkaPublisher struct {
	*queue
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher dials brokers with an idempotent producer.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: kafka brokers required")
	}
	if topic == "" {
		return nil, errors.New("events: kafka topic required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWith(producer, topic, logger), nil
}

// NewKafkaPublisherWith wraps an existing producer.
func NewKafkaPublisherWith(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	p := &KafkaPublisher{producer: producer, topic: topic}
	p.queue = newQueue("kafka", 1024, p.send, logger)
	return p
}

func (p *KafkaPublisher) send(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal kafka payload: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.Key()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

// Close closes the producer.
func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
