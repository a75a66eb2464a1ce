package repository

import (
	"context"
	"time"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
)

// producer is the part of pkg/kafka.Producer the publisher uses.
type producer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// Envelope wraps every published record so consumers can route on Type.
type Envelope struct {
	Type        string      `json:"type"`
	PublishedAt time.Time   `json:"published_at"`
	Payload     interface{} `json:"payload"`
}

const (
	EnvelopeTrapEvent = "trap_event"
	EnvelopeDecision  = "exit_decision"
)

// KafkaPublisher fans trap events and executed decisions out to a topic.
// Trap events are keyed by id, decisions by position so a position's
// decisions stay ordered within a partition.
type KafkaPublisher struct {
	producer producer
	topic    string
	now      func() time.Time
}

func NewKafkaPublisher(p producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic, now: time.Now}
}

func (p *KafkaPublisher) PublishTrapEvent(ctx context.Context, e models.TrapEvent) error {
	return p.producer.Publish(ctx, p.topic, []byte(e.ID), Envelope{
		Type:        EnvelopeTrapEvent,
		PublishedAt: p.now().UTC(),
		Payload:     e,
	})
}

func (p *KafkaPublisher) PublishDecision(ctx context.Context, d models.Decision) error {
	return p.producer.Publish(ctx, p.topic, []byte(d.PositionID), Envelope{
		Type:        EnvelopeDecision,
		PublishedAt: p.now().UTC(),
		Payload:     d,
	})
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

var _ domrepo.EventPublisher = (*KafkaPublisher)(nil)
