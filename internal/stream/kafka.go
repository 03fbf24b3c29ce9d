package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"security-core/internal/security"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	// PublishTimeout bounds one publish so a slow broker cannot stall the
	// request that logged the event.
	PublishTimeout time.Duration
}

// Publisher sends stored security events to a Kafka topic, keyed by tenant
// so each tenant's events keep their order within a partition.
type Publisher struct {
	w       MessageWriter
	timeout time.Duration
}

// NewWriter builds the kafka-go writer for cfg.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewPublisher(w MessageWriter, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{w: w, timeout: timeout}
}

// Envelope is the message value.
type Envelope struct {
	Kind  string                 `json:"kind"`
	Event security.SecurityEvent `json:"event"`
	// SentAt is when the message was produced, not when the event happened.
	SentAt time.Time `json:"sent_at"`
}

const KindSecurityEvent = "security_event"

func (p *Publisher) Publish(ctx context.Context, ev security.SecurityEvent) error {
	value, err := json.Marshal(Envelope{Kind: KindSecurityEvent, Event: ev, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("stream: encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TenantSchema),
		Value: value,
		Headers: []kafka.Header{
			{Key: "tenant", Value: []byte(ev.TenantSchema)},
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "severity", Value: []byte(ev.Severity)},
		},
	})
}

func (p *Publisher) Close() error { return p.w.Close() }
