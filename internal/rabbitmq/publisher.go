package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message defaults
const (
	DefaultContentType     = "application/json"
	DefaultContentEncoding = "UTF-8"
	DefaultDeliveryMode    = amqp.Persistent
)

// Publisher writes one message per call over a pooled channel
type Publisher struct {
	manager  *ConnectionManager
	pool     *ChannelPool
	exchange string
	defaults MessageDefaults
	logger   *slog.Logger
	metrics  *Metrics
}

// MessageDefaults are the metadata values Send attaches
type MessageDefaults struct {
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithExchange sets the exchange Send publishes to
func WithExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithMessageDefaults sets the metadata Send attaches
func WithMessageDefaults(defaults MessageDefaults) PublisherOption {
	return func(p *Publisher) {
		p.defaults = defaults
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics records publish metrics
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager: manager,
		pool:    pool,
		defaults: MessageDefaults{
			ContentType:     DefaultContentType,
			ContentEncoding: DefaultContentEncoding,
			DeliveryMode:    DefaultDeliveryMode,
		},
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the exchange Send publishes to
func (p *Publisher) Exchange() string {
	return p.exchange
}

// Send publishes body to the configured exchange with the default metadata
func (p *Publisher) Send(ctx context.Context, body []byte) error {
	return p.Publish(ctx, p.exchange, body, p.defaults.ContentType, p.defaults.ContentEncoding, p.defaults.DeliveryMode)
}

// Publish writes body to exchange with an empty routing key and fresh
// message and correlation ids. The borrowed channel is always returned to
// the pool. Nothing is retried.
func (p *Publisher) Publish(ctx context.Context, exchange string, body []byte, contentType, contentEncoding string, deliveryMode uint8) error {
	start := time.Now()

	err := p.publish(ctx, exchange, amqp.Publishing{
		MessageId:       uuid.NewString(),
		CorrelationId:   uuid.NewString(),
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		DeliveryMode:    deliveryMode,
		Body:            body,
	})

	p.metrics.published(outcome(err), time.Since(start))
	return err
}

func (p *Publisher) publish(ctx context.Context, exchange string, msg amqp.Publishing) error {
	conn, err := p.manager.Acquire(ctx)
	if err != nil {
		return p.publishError(exchange, "acquire connection", err)
	}

	ch, err := p.pool.Borrow(conn)
	if err != nil {
		return p.publishError(exchange, "borrow channel", err)
	}
	defer p.pool.Release(ch)

	if err := ch.PublishWithContext(ctx, exchange, "", false, false, msg); err != nil {
		return p.publishError(exchange, "publish", err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"messageId", msg.MessageId,
		"correlationId", msg.CorrelationId)
	return nil
}

func (p *Publisher) publishError(exchange, op string, err error) error {
	p.logger.Error("failed to publish message",
		"exchange", exchange,
		"op", op,
		"error", err)

	return &PublishError{
		Exchange:  exchange,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func outcome(err error) string {
	var (
		connErr *ConnectionError
		chanErr *ChannelError
	)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &connErr):
		return OutcomeConnectionError
	case errors.As(err, &chanErr):
		return OutcomeChannelError
	default:
		return OutcomePublishError
	}
}
