// Package events publishes pipeline events to Kafka for downstream
// consumers (notifications, analytics). Publishing is fire and forget from
// the pipeline's point of view: failures are logged, never fatal to a job.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkaGo "github.com/segmentio/kafka-go"
)

// Event types
const (
	TypeIndicesUpdated = "index.snapshot.updated"
	TypeNAVUpdated     = "nav.updated"
	TypeJobFailed      = "job.failed"
)

// Event is one pipeline event
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Key        string      `json:"key"`
	Payload    interface{} `json:"payload"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// NewEvent stamps an event with an id and the current time
func NewEvent(eventType, key string, payload interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Key:        key,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher emits pipeline events
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkaGo.Message) error
	Close() error
}

// KafkaPublisher writes events to a single topic keyed by Event.Key
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for topic on broker
func NewKafkaPublisher(broker, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafkaGo.Writer{
			Addr:         kafkaGo.TCP(broker),
			Topic:        topic,
			Balancer:     &kafkaGo.Hash{},
			RequiredAcks: kafkaGo.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		},
		topic: topic,
	}
}

func encode(evt Event) (kafkaGo.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafkaGo.Message{}, fmt.Errorf("failed to encode event %s: %w", evt.Type, err)
	}
	return kafkaGo.Message{
		Key:   []byte(evt.Key),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafkaGo.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
		},
	}, nil
}

// Publish writes events in one batch
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkaGo.Message, 0, len(events))
	for _, evt := range events {
		msg, err := encode(evt)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d events to %s: %w", len(msgs), p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, events ...Event) error { return nil }
func (NoopPublisher) Close() error                                      { return nil }

// EnsureTopic creates topic through the cluster controller
func EnsureTopic(broker, topic string) error {
	conn, err := kafkaGo.Dial("tcp", broker)
	if err != nil {
		log.Printf("Failed to dial Kafka for topic creation: %v", err)
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		log.Printf("Failed to get Kafka controller: %v", err)
		return err
	}

	controllerConn, err := kafkaGo.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		log.Printf("Failed to connect to Kafka controller: %v", err)
		return err
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkaGo.TopicConfig{
		Topic:             topic,
		NumPartitions:     3,
		ReplicationFactor: 1,
	})
	if err != nil {
		log.Printf("Failed to create Kafka topic: %v", err)
		return err
	}

	log.Printf("Kafka topic '%s' is ready", topic)
	return nil
}
