package domain

import (
	"context"
)

// EventBus carries ingested transactions to the worker and verdicts and
// step-up requests out of it. Payloads are opaque JSON bytes wrapped in a
// Message envelope by the driver.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe calls handler for each message on topic until the returned
	// subscription is cancelled or the bus is closed. ctx is the parent of
	// every handler context.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler handles one message. A returned error is logged and
// counted, and the Kafka driver leaves the offset uncommitted.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope published on every topic.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `koanf:"type" validate:"oneof=channel nats kafka"`

	// Channel settings (Community tier)
	ChannelBufferSize int `koanf:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds

	// Kafka settings (Pro tier)
	KafkaBrokers []string `koanf:"kafka_brokers"`

	// ConsumerGroup is the NATS queue group or Kafka consumer group that
	// subscribers join, so each message reaches one worker.
	ConsumerGroup string `koanf:"consumer_group"`
}

// Standard topic names for the scoring pipeline.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicVerdict             = "kestrel.verdict"
	TopicStepUp              = "kestrel.stepup"
)
