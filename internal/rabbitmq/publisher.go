package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

var numberedResponseQueue = regexp.MustCompile(`^response\.\d+$`)

// IsTransientQueue reports whether messages sent directly to queue should be
// non-persistent. Response queues live only as long as one request.
func IsTransientQueue(queue string) bool {
	return strings.HasPrefix(queue, "response") ||
		strings.Contains(queue, "payment-result") ||
		numberedResponseQueue.MatchString(queue)
}

// PublishOption customizes an outgoing message
type PublishOption func(*amqp.Publishing)

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(p *amqp.Publishing) {
		p.CorrelationId = id
	}
}

// WithReplyTo sets the reply-to address
func WithReplyTo(replyTo string) PublishOption {
	return func(p *amqp.Publishing) {
		p.ReplyTo = replyTo
	}
}

// WithMessageID sets the message id
func WithMessageID(id string) PublishOption {
	return func(p *amqp.Publishing) {
		p.MessageId = id
	}
}

// WithHeaders merges headers into the message
func WithHeaders(headers map[string]any) PublishOption {
	return func(p *amqp.Publishing) {
		if p.Headers == nil {
			p.Headers = amqp.Table{}
		}
		for k, v := range headers {
			p.Headers[k] = v
		}
	}
}

// Publisher sends events through exchanges and direct messages to queues
type Publisher struct {
	manager  *ConnectionManager
	topology *TopologyRegistry
	codec    Codec
	logger   *slog.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherCodec sets the codec used to encode messages
func WithPublisherCodec(codec Codec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// WithPublisherMetrics sets the metrics recorder
func WithPublisherMetrics(metrics MetricsRecorder) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithPublisherTracer sets the tracer
func WithPublisherTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		p.tracer = tracer
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, topology *TopologyRegistry, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:  manager,
		topology: topology,
		codec:    JSONCodec{},
		logger:   slog.Default(),
		metrics:  noopMetrics{},
		tracer:   defaultTracer(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish declares the exchange if needed and sends a persistent event to it.
// Delivery to bound queues is left to the broker.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, message any, opts ...PublishOption) error {
	if exchange == "" {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        errors.Join(ErrInvalidConfiguration, errors.New("exchange name is required")),
			Timestamp:  time.Now(),
		}
	}

	msg, err := p.build(message, amqp.Persistent, opts)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	ctx, span := startPublishSpan(ctx, p.tracer, exchange, routingKey, &msg)
	err = p.manager.Do(ctx, func(ch Channel) error {
		if err := p.topology.Declare(ch, exchange); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	})
	endSpan(span, err)
	p.metrics.PublishObserved(exchange, true, err)

	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"size", len(msg.Body))
	return nil
}

// PublishToQueue sends a message straight to queue through the default
// exchange. When the broker is applying flow control the call returns only
// once it has lifted, so a nil error means the message was accepted.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, message any, opts ...PublishOption) error {
	mode := amqp.Persistent
	if IsTransientQueue(queue) {
		mode = amqp.Transient
	}

	msg, err := p.build(message, mode, opts)
	if err != nil {
		return &PublishError{RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}

	ctx, span := startPublishSpan(ctx, p.tracer, "", queue, &msg)
	err = p.manager.Do(ctx, func(ch Channel) error {
		return ch.PublishWithContext(ctx, "", queue, false, false, msg)
	})
	if err == nil && p.manager.UnderBackpressure() {
		p.logger.Debug("waiting for broker flow control to lift", "queue", queue)
		err = p.manager.WaitForDrain(ctx)
	}
	endSpan(span, err)
	p.metrics.PublishObserved("", mode == amqp.Persistent, err)

	if err != nil {
		return &PublishError{RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}

	p.logger.Debug("message sent to queue",
		"queue", queue,
		"persistent", mode == amqp.Persistent,
		"size", len(msg.Body))
	return nil
}

func (p *Publisher) build(message any, mode uint8, opts []PublishOption) (amqp.Publishing, error) {
	body, err := p.codec.Marshal(message)
	if err != nil {
		return amqp.Publishing{}, err
	}

	msg := amqp.Publishing{
		ContentType:  p.codec.ContentType(),
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Body:         body,
	}
	for _, opt := range opts {
		opt(&msg)
	}
	return msg, nil
}
