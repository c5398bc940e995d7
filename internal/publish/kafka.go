// Package publish announces finished sessions on Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/claytonnetvision/wodpulse/internal/observability"
	"github.com/claytonnetvision/wodpulse/internal/session"
)

// EventSessionFinalized is the type of the event sent after a session is stored.
const EventSessionFinalized = "session.finalized"

// Event is the JSON payload of a session.finalized message.
type Event struct {
	Type       string                `json:"type"`
	OccurredAt time.Time             `json:"occurredAt"`
	Session    session.SessionRecord `json:"session"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
}

// KafkaPublisher sends session events keyed by session id.
type KafkaPublisher struct {
	writer messageWriter
	logger *log.Logger
	now    func() time.Time
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w messageWriter, logger *log.Logger) *KafkaPublisher {
	if w == nil {
		panic("KafkaPublisher: writer cannot be nil")
	}
	if logger == nil {
		panic("KafkaPublisher: logger cannot be nil")
	}
	return &KafkaPublisher{writer: w, logger: logger, now: time.Now}
}

// PublishFinalized sends one session.finalized event for rec.
func (p *KafkaPublisher) PublishFinalized(ctx context.Context, rec session.SessionRecord) error {
	body, err := json.Marshal(Event{
		Type:       EventSessionFinalized,
		OccurredAt: p.now().UTC(),
		Session:    rec,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", EventSessionFinalized, err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.ID),
		Value: body,
		Time:  p.now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventSessionFinalized)},
		},
	}
	err = p.writer.WriteMessages(ctx, msg)
	observability.RecordPublish(err)
	if err != nil {
		return fmt.Errorf("publish session %s: %w", rec.ID, err)
	}
	p.logger.Printf("KafkaPublisher: published %s for session %s", EventSessionFinalized, rec.ID)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
