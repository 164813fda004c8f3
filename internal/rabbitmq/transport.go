package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the pool and publisher use
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the manager and pool use
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Dialer opens a connection against an ordered endpoint list
type Dialer interface {
	Dial(ctx context.Context, endpoints Endpoints, clientName string) (Connection, error)
}

// DialConfig holds the already validated transport settings
type DialConfig struct {
	Username          string
	Password          string
	VirtualHost       string
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	Heartbeat         time.Duration
	ChannelMax        int
}

// AMQPDialer dials RabbitMQ with amqp091-go
type AMQPDialer struct {
	config DialConfig
	logger *slog.Logger
}

// NewAMQPDialer creates a dialer for the given settings
func NewAMQPDialer(config DialConfig, logger *slog.Logger) *AMQPDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPDialer{config: config, logger: logger}
}

// Dial tries each endpoint in order and returns the first open connection.
func (d *AMQPDialer) Dial(ctx context.Context, endpoints Endpoints, clientName string) (Connection, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: no endpoints", ErrInvalidConfiguration)
	}

	var errs []error
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		conn, err := d.dialOne(ctx, ep, clientName)
		if err == nil {
			return &amqpConnection{Connection: conn}, nil
		}

		d.logger.Warn("failed to connect to endpoint",
			"endpoint", ep.String(),
			"error", err)
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
	}

	return nil, errors.Join(errs...)
}

func (d *AMQPDialer) dialOne(ctx context.Context, ep Endpoint, clientName string) (*amqp.Connection, error) {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     ep.Host,
		Port:     ep.Port,
		Username: d.config.Username,
		Password: d.config.Password,
		Vhost:    d.config.VirtualHost,
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(clientName)

	cfg := amqp.Config{
		SASL:       []amqp.Authentication{&amqp.PlainAuth{Username: d.config.Username, Password: d.config.Password}},
		Vhost:      d.config.VirtualHost,
		Heartbeat:  d.config.Heartbeat,
		ChannelMax: d.config.ChannelMax,
		Properties: props,
		Dial:       d.netDial(ctx),
	}

	conn, err := amqp.DialConfig(uri.String(), cfg)
	if err != nil {
		return nil, err
	}
	if conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return conn, nil
}

// netDial bounds the TCP connect by the connection timeout and the protocol
// handshake by the handshake timeout. amqp091 clears the deadline once the
// connection is open.
func (d *AMQPDialer) netDial(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: d.config.ConnectionTimeout}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		if d.config.HandshakeTimeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(d.config.HandshakeTimeout)); err != nil {
				conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
