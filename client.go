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

package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/shopfront/eventbus/internal/rabbitmq"
)

type (
	// Handler processes a delivered message; returning an error requeues it.
	Handler = rabbitmq.Handler
	// Message is a delivery with its JSON body already decoded.
	Message = rabbitmq.Message
	// PublishOption customizes an outgoing message.
	PublishOption = rabbitmq.PublishOption
	// State is the connection lifecycle state.
	State = rabbitmq.State
	// ConnectionStateListener receives connection state changes.
	ConnectionStateListener = rabbitmq.ConnectionStateListener
	// MetricsRecorder receives client counters.
	MetricsRecorder = rabbitmq.MetricsRecorder
	// Dialer opens broker connections.
	Dialer = rabbitmq.Dialer
)

const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateConnected    = rabbitmq.StateConnected
)

var (
	WithCorrelationID = rabbitmq.WithCorrelationID
	WithReplyTo       = rabbitmq.WithReplyTo
	WithMessageID     = rabbitmq.WithMessageID
	WithHeaders       = rabbitmq.WithHeaders
)

var (
	ErrReconnectExhausted   = rabbitmq.ErrReconnectExhausted
	ErrClientClosed         = rabbitmq.ErrClientClosed
	ErrNotConnected         = rabbitmq.ErrNotConnected
	ErrNilHandler           = rabbitmq.ErrNilHandler
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
)

// IsTerminal reports whether err means the client gave up reconnecting.
func IsTerminal(err error) bool {
	return rabbitmq.IsTerminal(err)
}

// SubscribeOptions controls the queue created by Subscribe.
type SubscribeOptions struct {
	// Temporary queues are exclusive to this client and auto-delete once
	// their consumer goes away. Durable queues survive broker restarts.
	Temporary bool
}

// Client is the messaging client a service builds once and shares. It owns
// one broker connection and one channel.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	manager   *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyRegistry
	registry  *rabbitmq.ConsumerRegistry
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer

	mu     sync.Mutex
	closed bool
}

type clientConfig struct {
	logger    *slog.Logger
	dialer    Dialer
	metrics   MetricsRecorder
	tracer    trace.Tracer
	listeners []ConnectionStateListener
	amqp      *amqp.Config
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dialer Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dialer
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics MetricsRecorder) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}

// WithTracer sets the tracer used for publish and consume spans
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(c *clientConfig) {
		c.tracer = tracer
	}
}

// WithStateListener registers a connection state listener
func WithStateListener(listener ConnectionStateListener) ClientOption {
	return func(c *clientConfig) {
		c.listeners = append(c.listeners, listener)
	}
}

// WithAMQPConfig sets the AMQP connection tuning (heartbeat, TLS, properties)
func WithAMQPConfig(config amqp.Config) ClientOption {
	return func(c *clientConfig) {
		c.amqp = &config
	}
}

// NewClient creates a client. Nothing is dialed until Connect or the first
// operation.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(opts)
	}
	logger := opts.logger.With("service", cfg.ServiceName)

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithReconnectInterval(cfg.ReconnectInterval),
		rabbitmq.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
	}
	pubOpts := []rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}
	consOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
	}

	if opts.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(opts.dialer))
	}
	if opts.amqp != nil {
		connOpts = append(connOpts, rabbitmq.WithAMQPConfig(*opts.amqp))
	} else {
		connOpts = append(connOpts, rabbitmq.WithAMQPConfig(amqp.Config{
			Properties: amqp.Table{"connection_name": cfg.ServiceName},
		}))
	}
	if opts.metrics != nil {
		connOpts = append(connOpts, rabbitmq.WithMetrics(opts.metrics))
		pubOpts = append(pubOpts, rabbitmq.WithPublisherMetrics(opts.metrics))
		consOpts = append(consOpts, rabbitmq.WithConsumerMetrics(opts.metrics))
	}
	if opts.tracer != nil {
		pubOpts = append(pubOpts, rabbitmq.WithPublisherTracer(opts.tracer))
		consOpts = append(consOpts, rabbitmq.WithConsumerTracer(opts.tracer))
	}

	manager := rabbitmq.NewConnectionManager(cfg.URL, connOpts...)
	topology := rabbitmq.NewTopologyRegistry(logger)
	registry := rabbitmq.NewConsumerRegistry()
	consumer := rabbitmq.NewConsumer(manager, topology, registry, consOpts...)

	// exchanges must exist before queues are bound to them again
	manager.AddRecoverer(topology, consumer)
	for _, l := range opts.listeners {
		manager.AddStateListener(l)
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		topology:  topology,
		registry:  registry,
		publisher: rabbitmq.NewPublisher(manager, topology, pubOpts...),
		consumer:  consumer,
	}, nil
}

// Connect establishes the broker connection. It returns immediately if the
// client is already connected.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.manager.Connect(ctx)
}

// Publish sends a persistent event to a durable topic exchange, declaring
// the exchange on first use.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, message any, opts ...PublishOption) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.publisher.Publish(ctx, exchange, routingKey, message, opts...)
}

// PublishToQueue sends a message directly to a queue. Response queues get
// non-persistent messages. The call waits out broker flow control.
func (c *Client) PublishToQueue(ctx context.Context, queue string, message any, opts ...PublishOption) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.publisher.PublishToQueue(ctx, queue, message, opts...)
}

// Subscribe binds queue to exchange with the routing key pattern and
// delivers matching messages to handler. The subscription survives channel
// and connection recovery. A temporary subscription may leave queue empty.
func (c *Client) Subscribe(ctx context.Context, exchange, queue, routingKey string, handler Handler, opts SubscribeOptions) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	if exchange == "" {
		return "", fmt.Errorf("%w: exchange name is required", ErrInvalidConfiguration)
	}

	return c.consumer.Subscribe(ctx, rabbitmq.Subscription{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Handler:    handler,
		Temporary:  opts.Temporary,
		Durable:    !opts.Temporary,
		AutoDelete: opts.Temporary,
		Exclusive:  opts.Temporary,
	})
}

// Unsubscribe cancels the queue's consumer and deletes the queue. Failures
// are logged, never returned.
func (c *Client) Unsubscribe(queue string) error {
	return c.consumer.Unsubscribe(queue)
}

// Subscriptions returns the queues currently subscribed.
func (c *Client) Subscriptions() []string {
	return c.registry.Queues()
}

// State returns the connection state.
func (c *Client) State() State {
	return c.manager.State()
}

// Err returns the terminal error once the client gave up reconnecting.
func (c *Client) Err() error {
	return c.manager.Err()
}

// Close cancels every consumer, then closes the channel and the connection.
// Calling it again is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.consumer.CancelAll()
	if err := c.manager.Close(); err != nil {
		c.logger.Warn("error while closing broker connection", "error", err)
		return err
	}
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}
