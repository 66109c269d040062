package eventbus

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shopfront/eventbus/internal/rabbitmq"
)

// ResponseQueueName is the queue that collects replies for a correlation id.
func ResponseQueueName(correlationID string) string {
	return "response-" + correlationID
}

// ResponseRoutingKey is the routing key replies for a correlation id are
// published with.
func ResponseRoutingKey(correlationID string) string {
	return "response." + correlationID
}

// CreateTemporaryResponseQueue declares the exchange and a non-durable,
// auto-delete queue response-<correlationID> bound to response.<correlationID>,
// and consumes it with handler. The queue disappears once its consumer is
// cancelled.
func (c *Client) CreateTemporaryResponseQueue(ctx context.Context, exchange, correlationID string, handler Handler) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	if exchange == "" || correlationID == "" {
		return "", fmt.Errorf("%w: exchange and correlation id are required", ErrInvalidConfiguration)
	}

	return c.consumer.Subscribe(ctx, rabbitmq.Subscription{
		Queue:      ResponseQueueName(correlationID),
		Exchange:   exchange,
		RoutingKey: ResponseRoutingKey(correlationID),
		Handler:    handler,
		Temporary:  true,
		Durable:    false,
		AutoDelete: true,
		Exclusive:  false,
	})
}

// Request publishes message to exchange with routingKey and waits for the
// first reply addressed to its correlation id. The response queue is removed
// before Request returns.
func (c *Client) Request(ctx context.Context, exchange, routingKey string, message any, opts ...PublishOption) (*Message, error) {
	correlationID := uuid.NewString()
	replies := make(chan *Message, 1)

	queue, err := c.CreateTemporaryResponseQueue(ctx, exchange, correlationID, func(_ context.Context, msg *Message) error {
		select {
		case replies <- msg:
		default:
			// only the first reply is wanted
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create response queue: %w", err)
	}
	defer c.Unsubscribe(queue)

	opts = append(opts,
		WithCorrelationID(correlationID),
		WithReplyTo(ResponseRoutingKey(correlationID)))
	if err := c.Publish(ctx, exchange, routingKey, message, opts...); err != nil {
		return nil, err
	}

	c.logger.Debug("request sent, waiting for reply",
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", correlationID)

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no reply for %s: %w", correlationID, ctx.Err())
	}
}

// Reply publishes message to response.<correlationID> on exchange.
func (c *Client) Reply(ctx context.Context, exchange, correlationID string, message any, opts ...PublishOption) error {
	if correlationID == "" {
		return fmt.Errorf("%w: correlation id is required", ErrInvalidConfiguration)
	}
	opts = append(opts, WithCorrelationID(correlationID))
	return c.Publish(ctx, exchange, ResponseRoutingKey(correlationID), message, opts...)
}
