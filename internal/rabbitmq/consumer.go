package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

// Consumer declares, binds and consumes queues on the managed channel and
// resubscribes every registered queue after a recovery.
type Consumer struct {
	manager       *ConnectionManager
	topology      *TopologyRegistry
	registry      *ConsumerRegistry
	codec         Codec
	prefetchCount int
	logger        *slog.Logger
	metrics       MetricsRecorder
	tracer        trace.Tracer
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch count. Zero leaves the
// broker default (unlimited).
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerCodec sets the codec used to decode deliveries
func WithConsumerCodec(codec Codec) ConsumerOption {
	return func(c *Consumer) {
		c.codec = codec
	}
}

// WithConsumerMetrics sets the metrics recorder
func WithConsumerMetrics(metrics MetricsRecorder) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// WithConsumerTracer sets the tracer
func WithConsumerTracer(tracer trace.Tracer) ConsumerOption {
	return func(c *Consumer) {
		c.tracer = tracer
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, topology *TopologyRegistry, registry *ConsumerRegistry, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:  manager,
		topology: topology,
		registry: registry,
		codec:    JSONCodec{},
		logger:   slog.Default(),
		metrics:  noopMetrics{},
		tracer:   defaultTracer(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe declares the queue, binds it to the exchange with the routing
// key and starts consuming. A queue already subscribed has its previous
// consumer cancelled and its record replaced. Temporary subscriptions may
// leave Queue empty to get a generated name. The queue name is returned.
func (c *Consumer) Subscribe(ctx context.Context, sub Subscription) (string, error) {
	if sub.Handler == nil {
		return "", ErrNilHandler
	}
	if sub.Queue == "" {
		if !sub.Temporary {
			return "", fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
		}
		sub.Queue = "eventbus-" + uuid.NewString()
	}

	rec := &sub
	err := c.manager.Do(ctx, func(ch Channel) error {
		if prev, ok := c.registry.Get(rec.Queue); ok && prev.ch == ch && prev.ConsumerTag != "" {
			if err := ch.Cancel(prev.ConsumerTag, false); err != nil {
				c.logger.Warn("failed to cancel replaced consumer",
					"queue", prev.Queue,
					"consumerTag", prev.ConsumerTag,
					"error", err)
			}
		}
		if err := c.start(ch, rec); err != nil {
			return err
		}
		c.registry.Register(rec)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("subscribed to queue",
		"queue", rec.Queue,
		"exchange", rec.Exchange,
		"routingKey", rec.RoutingKey,
		"temporary", rec.Temporary)
	return rec.Queue, nil
}

// Unsubscribe cancels the queue's consumer and deletes the queue. It is best
// effort: failures are logged and never returned.
func (c *Consumer) Unsubscribe(queue string) error {
	sub, ok := c.registry.Remove(queue)

	err := c.manager.WithCurrentChannel(func(ch Channel) error {
		if ok && sub.ch == ch && sub.ConsumerTag != "" {
			if err := ch.Cancel(sub.ConsumerTag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "queue", queue, "error", err)
			}
		}
		if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
			c.logger.Warn("failed to delete queue", "queue", queue, "error", err)
		}
		return nil
	})
	if err != nil {
		c.logger.Debug("unsubscribed without a live channel", "queue", queue, "error", err)
	}

	if ok {
		c.logger.Info("unsubscribed from queue", "queue", queue)
	}
	return nil
}

// CancelAll cancels every consumer and clears the registry. Queues are left
// for the broker to clean up according to their own settings.
func (c *Consumer) CancelAll() {
	_ = c.manager.WithCurrentChannel(func(ch Channel) error {
		c.registry.ForEach(func(sub *Subscription) {
			if sub.ch != ch || sub.ConsumerTag == "" {
				return
			}
			if err := ch.Cancel(sub.ConsumerTag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "queue", sub.Queue, "error", err)
			}
		})
		return nil
	})
	c.registry.Clear()
}

// Recover resubscribes every registered queue on a new channel. Records the
// broker now refuses are dropped.
func (c *Consumer) Recover(ch Channel) error {
	if c.prefetchCount > 0 {
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			return &ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	var errs []error
	c.registry.ForEach(func(sub *Subscription) {
		if err := c.start(ch, sub); err != nil {
			if IsProtocolError(err) {
				c.registry.Remove(sub.Queue)
				c.logger.Error("dropping subscription the broker refused",
					"queue", sub.Queue,
					"error", err)
			} else {
				c.logger.Error("failed to resubscribe", "queue", sub.Queue, "error", err)
			}
			errs = append(errs, err)
			return
		}
		c.logger.Debug("resubscribed", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
	})
	return errors.Join(errs...)
}

// start must run under the manager's operation lock.
func (c *Consumer) start(ch Channel, sub *Subscription) error {
	if sub.Exchange != "" {
		if err := c.topology.Declare(ch, sub.Exchange); err != nil {
			return err
		}
	}

	if _, err := ch.QueueDeclare(sub.Queue, sub.Durable, sub.AutoDelete, sub.Exclusive, false, nil); err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      sub.Queue,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if sub.Exchange != "" {
		if err := ch.QueueBind(sub.Queue, sub.RoutingKey, sub.Exchange, false, nil); err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      fmt.Sprintf("%s -> %s (%s)", sub.Exchange, sub.Queue, sub.RoutingKey),
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	tag := "ctag-" + uuid.NewString()
	deliveries, err := ch.Consume(sub.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{
			Queue:       sub.Queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	sub.ConsumerTag = tag
	sub.ch = ch
	go c.consume(sub.Queue, tag, sub.Handler, deliveries)
	return nil
}

// consume delivers in broker order until the consumer is cancelled or its
// channel goes away.
func (c *Consumer) consume(queue, tag string, handler Handler, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.handle(queue, handler, d)
	}
	c.logger.Debug("consumer stopped", "queue", queue, "consumerTag", tag)
}

func (c *Consumer) handle(queue string, handler Handler, d amqp.Delivery) {
	start := time.Now()
	ctx, span := startConsumeSpan(context.Background(), c.tracer, queue, d)

	err := c.process(ctx, queue, handler, d)
	if err != nil {
		c.logger.Error("failed to handle message, requeueing",
			"queue", queue,
			"messageId", d.MessageId,
			"redelivered", d.Redelivered,
			"error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"queue", queue,
				"error", nackErr,
				"originalError", err)
		}
	} else if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "queue", queue, "error", ackErr)
	}

	endSpan(span, err)
	c.metrics.DeliveryObserved(queue, err == nil, time.Since(start))
}

func (c *Consumer) process(ctx context.Context, queue string, handler Handler, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	msg, err := newMessage(queue, d, c.codec)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return handler(ctx, msg)
}
