package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NATSBus implements EventBus on core NATS. Subscribers join a queue group,
// so each published message reaches one worker.
type NATSBus struct {
	mu     sync.Mutex
	conn   *nats.Conn
	queue  string
	subs   map[*natsSubscription]struct{}
	closed bool
	logger *slog.Logger
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus dials cfg.NATSUrl, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig, logger *slog.Logger) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = defaultConsumerGroup
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dialNATS(cfg, natsOptions(cfg, logger), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue", cfg.ConsumerGroup,
	)

	return &NATSBus{
		conn:   conn,
		queue:  cfg.ConsumerGroup,
		subs:   make(map[*natsSubscription]struct{}),
		logger: logger,
	}, nil
}

func natsOptions(cfg domain.EventBusConfig, logger *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

func dialNATS(cfg domain.EventBusConfig, opts []nats.Option, logger *slog.Logger) (*nats.Conn, error) {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var lastErr error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err := nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, lastErr)
}

// Publish sends a message on the subject named after topic, carrying the
// trace context in NATS headers.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := otel.Tracer("kestrel-bus").Start(ctx, "NATS.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	data, err := encode(newMessage(topic, payload))
	if err != nil {
		return err
	}

	m := nats.NewMsg(topic)
	m.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(m.Header))

	err = b.conn.PublishMsg(m)
	observe(topic, "publish", err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		b.logger.ErrorContext(ctx, "failed to publish message", "topic", topic, "error", err)
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe joins the bus queue group on topic.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	tracer := otel.Tracer("kestrel-bus")
	ns, err := b.conn.QueueSubscribe(topic, b.queue, func(m *nats.Msg) {
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(m.Header))
		msgCtx, span := tracer.Start(msgCtx, "NATS.Consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		msg, err := decode(m.Data)
		if err == nil {
			err = handler(msgCtx, msg)
		}
		observe(m.Subject, "consume", err)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			b.logger.ErrorContext(msgCtx, "message handler failed", "subject", m.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{topic: topic, sub: ns, bus: b}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight messages and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		if !errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("nats drain: %w", err)
		}
	}
	return nil
}

// Stats returns connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
