// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statusnotify publishes workflow status notifications to a
// RabbitMQ exchange.
package statusnotify

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/statusnotify/config"
	"github.com/glimte/statusnotify/health"
	"github.com/glimte/statusnotify/internal/rabbitmq"
	"github.com/glimte/statusnotify/statuslistener"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-exported so callers can classify failures without importing internals
type (
	ConfigurationError = rabbitmq.ConfigurationError
	ConnectionError    = rabbitmq.ConnectionError
	ChannelError       = rabbitmq.ChannelError
	PublishError       = rabbitmq.PublishError

	Publisher  = rabbitmq.Publisher
	Observer   = rabbitmq.Observer
	Dialer     = rabbitmq.Dialer
	Connection = rabbitmq.Connection
	Channel    = rabbitmq.Channel
	Endpoints  = rabbitmq.Endpoints
)

var (
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrConnectionClosed     = rabbitmq.ErrConnectionClosed
	ErrConnectionTimeout    = rabbitmq.ErrConnectionTimeout
	ErrRecoveryPending      = rabbitmq.ErrRecoveryPending
	ErrChannelPoolExhausted = rabbitmq.ErrChannelPoolExhausted
)

// IsRetryable reports whether a later attempt may succeed
func IsRetryable(err error) bool {
	return rabbitmq.IsRetryable(err)
}

// Client wires the connection manager, channel pool, publisher and status
// listener built from one Settings value.
type Client struct {
	settings  config.Settings
	logger    *slog.Logger
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	listener  *statuslistener.Listener
	health    *health.Registry
}

// New validates settings and builds a client. No connection is opened until
// the first publish.
func New(settings config.Settings, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	endpoints, err := settings.Endpoints()
	if err != nil {
		return nil, err
	}

	logger := cfg.logger
	if settings.UseNio {
		logger.Info("use_nio is set; connection I/O is always handled by the Go runtime")
	}

	dialer := cfg.dialer
	if dialer == nil {
		dialer = rabbitmq.NewAMQPDialer(settings.DialConfig(), logger)
	}

	metrics := rabbitmq.NewMetrics(cfg.registerer)

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithClientName(settings.ClientName()),
		rabbitmq.WithRecoveryInterval(settings.RecoveryInterval()),
		rabbitmq.WithConnectionMetrics(metrics),
		rabbitmq.WithObserver(rabbitmq.NewLogObserver(logger)),
		rabbitmq.WithObserver(metrics),
	}
	poolOpts := []rabbitmq.ChannelPoolOption{
		rabbitmq.WithMaxChannels(settings.MaxChannelCount),
		rabbitmq.WithChannelLogger(logger),
		rabbitmq.WithPoolMetrics(metrics),
		rabbitmq.WithChannelObserver(rabbitmq.NewLogObserver(logger)),
	}
	for _, o := range cfg.observers {
		connOpts = append(connOpts, rabbitmq.WithObserver(o))
		poolOpts = append(poolOpts, rabbitmq.WithChannelObserver(o))
	}

	manager, err := rabbitmq.NewConnectionManager(dialer, endpoints, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	pool, err := rabbitmq.NewChannelPool(endpoints, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	publisher := rabbitmq.NewPublisher(manager, pool,
		rabbitmq.WithExchange(settings.Exchange),
		rabbitmq.WithMessageDefaults(settings.MessageDefaults()),
		rabbitmq.WithPublisherLogger(logger),
		rabbitmq.WithPublisherMetrics(metrics),
	)

	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(manager, cfg.activeHealth))
	registry.Register(health.NewChannelPoolChecker(pool))

	logger.Info("status notifications configured",
		"endpoints", endpoints.String(),
		"exchange", settings.Exchange,
		"client", manager.ClientName(),
		"maxChannels", settings.MaxChannelCount)

	return &Client{
		settings:  settings,
		logger:    logger,
		manager:   manager,
		pool:      pool,
		publisher: publisher,
		listener:  statuslistener.New(publisher, statuslistener.WithLogger(logger)),
		health:    registry,
	}, nil
}

// Listener returns the workflow status listener
func (c *Client) Listener() *statuslistener.Listener {
	return c.listener
}

// Publisher returns the message publisher
func (c *Client) Publisher() *Publisher {
	return c.publisher
}

// Health returns the registry holding the connection and pool checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Settings returns the settings the client was built from
func (c *Client) Settings() config.Settings {
	return c.settings
}

// Close closes idle channels and the connection. Publishing afterwards fails.
func (c *Client) Close() error {
	return errors.Join(c.pool.Close(), c.manager.Close())
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	observers    []rabbitmq.Observer
	registerer   prometheus.Registerer
	dialer       rabbitmq.Dialer
	activeHealth bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithObserver adds a connection and channel lifecycle observer
func WithObserver(o Observer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.observers = append(cfg.observers, o)
	}
}

// WithRegisterer registers the client's metrics
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(d Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = d
	}
}

// WithActiveHealthCheck makes the connection check open a connection when
// none is live
func WithActiveHealthCheck(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.activeHealth = enabled
	}
}
