// Package eventbus publishes rule lifecycle and alert events to a message broker.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"telemetry-alert/internal/config"
)

const (
	SubjectRuleCreated    = "rule.created"
	SubjectRuleUpdated    = "rule.updated"
	SubjectRuleDeleted    = "rule.deleted"
	SubjectRuleEnabled    = "rule.enabled"
	SubjectRuleDisabled   = "rule.disabled"
	SubjectAlertTriggered = "alert.triggered"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// Keyed payloads choose the Kafka partition key.
type Keyed interface {
	EventKey() string
}

// New builds the publisher selected by cfg.Provider.
func New(cfg config.BusConfig) (Publisher, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return Nop{}, nil
	case "nats":
		return NewNATSPublisher(cfg.URL)
	case "kafka":
		return NewKafkaPublisher(cfg.Brokers, cfg.TopicPrefix)
	default:
		return nil, fmt.Errorf("unknown bus provider %q", cfg.Provider)
	}
}

type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("telemetry-alert"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return p.conn.Publish(subject, data)
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each subject to the topic prefix+subject.
type KafkaPublisher struct {
	writer messageWriter
	prefix string
}

func NewKafkaPublisher(brokers []string, prefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, prefix: prefix}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	msg := kafka.Message{Topic: p.prefix + subject, Value: data}
	if k, ok := payload.(Keyed); ok {
		msg.Key = []byte(k.EventKey())
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
