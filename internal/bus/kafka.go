package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// KafkaBus implements EventBus on Kafka. Each subscription is a consumer
// group member; offsets are committed only after the handler succeeds.
type KafkaBus struct {
	mu            sync.Mutex
	writer        *kafkago.Writer
	brokers       []string
	groupID       string
	subscriptions map[string]*kafkaSubscription
	closed        bool
	logger        *slog.Logger
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafkago.Reader
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus creates a Kafka-backed event bus. Brokers are contacted lazily.
func NewKafkaBus(cfg domain.EventBusConfig, logger *slog.Logger) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("kafka_brokers is required for the kafka bus")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = defaultConsumerGroup
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafkago.Hash{},
		WriteTimeout: 10 * time.Second,
		MaxAttempts:  5,
		RequiredAcks: kafkago.RequireAll,
	}

	return &KafkaBus{
		writer:        w,
		brokers:       cfg.KafkaBrokers,
		groupID:       cfg.ConsumerGroup,
		subscriptions: make(map[string]*kafkaSubscription),
		logger:        logger,
	}, nil
}

// Publish writes a message to topic, carrying the trace context in headers.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := otel.Tracer("kestrel-bus").Start(ctx, "Kafka.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	msg := newMessage(topic, payload)
	data, err := encode(msg)
	if err != nil {
		return err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafkago.Header, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	err = b.writer.WriteMessages(ctx, kafkago.Message{
		Topic:   topic,
		Key:     []byte(msg.ID),
		Value:   data,
		Headers: headers,
		Time:    time.Now(),
	})
	observe(topic, "publish", err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		b.logger.ErrorContext(ctx, "failed to publish message", "topic", topic, "error", err)
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Subscribe starts a consumer group reader for topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        b.brokers,
		GroupID:        b.groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.subscriptions[sub.id] = sub

	go b.consume(subCtx, sub, handler)

	return sub, nil
}

func (b *KafkaBus) consume(ctx context.Context, sub *kafkaSubscription, handler domain.MessageHandler) {
	defer close(sub.done)
	tracer := otel.Tracer("kestrel-bus")

	for {
		m, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("failed to fetch message", "topic", sub.topic, "error", err)
			continue
		}

		carrier := propagation.MapCarrier{}
		for _, h := range m.Headers {
			carrier[h.Key] = string(h.Value)
		}
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)
		msgCtx, span := tracer.Start(msgCtx, "Kafka.Consume", trace.WithSpanKind(trace.SpanKindConsumer))

		msg, err := decode(m.Value)
		if err == nil {
			err = handler(msgCtx, msg)
		}
		observe(m.Topic, "consume", err)

		if err != nil {
			b.logger.ErrorContext(msgCtx, "message handler failed",
				"topic", m.Topic,
				"offset", m.Offset,
				"error", err,
			)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			continue
		}

		if err := sub.reader.CommitMessages(ctx, m); err != nil {
			b.logger.ErrorContext(msgCtx, "failed to commit offset", "error", err)
		}
		span.End()
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every reader and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Unsubscribe stops the reader and leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subscriptions[s.id]
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
