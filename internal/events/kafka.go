package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrNoBrokers is returned when a KafkaPublisher is built without brokers.
var ErrNoBrokers = errors.New("no kafka brokers configured")

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Compile-time check that KafkaPublisher implements Publisher.
var _ Publisher = (*KafkaPublisher)(nil)

// KafkaPublisher writes events as JSON to a Kafka topic.
// The job ID is the message key, so events for one job stay ordered.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, topic: topic}, nil
}

// Publish serializes e and sends it.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(e.JobID),
		Value: data,
		Time:  e.FinishedAt,
		Headers: []kafka.Header{
			{Key: "state", Value: []byte(e.State)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending writes and releases the connection.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
