package rabbitmq_test

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/eventbus/internal/rabbitmq"
)

type productUpdated struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
}

func TestConsumerSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("wildcard binding receives exactly one matching event", func(t *testing.T) {
		s := newStack(t)
		rec := newRecorder()

		queue, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{
			Queue:      "catalog-sync",
			Exchange:   "product-events",
			RoutingKey: "product.#",
			Handler:    rec.handle,
			Durable:    true,
		})
		require.NoError(t, err)
		assert.Equal(t, "catalog-sync", queue)

		require.NoError(t, s.publisher.Publish(ctx, "product-events", "product.updated", productUpdated{ID: "p-1", Price: 9.5}))
		require.NoError(t, s.publisher.Publish(ctx, "product-events", "cart.updated", productUpdated{ID: "ignored"}))

		msg := rec.next(t)
		assert.Equal(t, map[string]any{"id": "p-1", "price": 9.5}, msg.Payload)
		assert.Equal(t, "product.updated", msg.RoutingKey)

		assert.Eventually(t, func() bool { return s.broker.Acks() == 1 }, waitFor, tick)
		assert.Equal(t, 1, rec.count())
	})

	t.Run("temporary subscription gets a generated exclusive queue", func(t *testing.T) {
		s := newStack(t)

		queue, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{
			Exchange:   "user-events",
			RoutingKey: "user.created",
			Handler:    newRecorder().handle,
			Temporary:  true,
			Exclusive:  true,
			AutoDelete: true,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, queue)
		assert.True(t, s.broker.HasQueue(queue))
	})

	t.Run("durable subscription requires a queue name", func(t *testing.T) {
		s := newStack(t)

		_, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{Exchange: "user-events", Handler: newRecorder().handle})
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

		_, err = s.consumer.Subscribe(ctx, rabbitmq.Subscription{Queue: "q"})
		assert.ErrorIs(t, err, rabbitmq.ErrNilHandler)
	})

	t.Run("resubscribing a queue replaces the previous consumer", func(t *testing.T) {
		s := newStack(t)
		first, second := newRecorder(), newRecorder()

		sub := rabbitmq.Subscription{Queue: "stock", Exchange: "product-events", RoutingKey: "product.#", Handler: first.handle, Durable: true}
		_, err := s.consumer.Subscribe(ctx, sub)
		require.NoError(t, err)

		sub.Handler = second.handle
		_, err = s.consumer.Subscribe(ctx, sub)
		require.NoError(t, err)

		assert.Equal(t, 1, s.broker.Consumers("stock"))
		assert.Equal(t, 1, s.registry.Len())

		require.NoError(t, s.publisher.Publish(ctx, "product-events", "product.deleted", productUpdated{ID: "p-2"}))
		second.next(t)
		assert.Equal(t, 0, first.count())
	})

	t.Run("broker refusal is returned and not retried", func(t *testing.T) {
		s := newStack(t)
		require.NoError(t, s.manager.Connect(ctx))
		s.broker.InjectError("queue.bind", &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange"})

		_, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{
			Queue:      "broken",
			Exchange:   "product-events",
			RoutingKey: "product.#",
			Handler:    newRecorder().handle,
		})
		require.Error(t, err)
		assert.True(t, rabbitmq.IsProtocolError(err))

		var topoErr *rabbitmq.TopologyError
		assert.ErrorAs(t, err, &topoErr)
		_, ok := s.registry.Get("broken")
		assert.False(t, ok)

		// the refused channel is replaced in the background
		assert.Eventually(t, s.manager.IsConnected, waitFor, tick)
	})

	t.Run("custom codec decodes deliveries", func(t *testing.T) {
		s := newStack(t)
		consumer := rabbitmq.NewConsumer(s.manager, s.topology, rabbitmq.NewConsumerRegistry(),
			rabbitmq.WithConsumerLogger(quietLogger),
			rabbitmq.WithConsumerCodec(textCodec{}))
		publisher := rabbitmq.NewPublisher(s.manager, s.topology,
			rabbitmq.WithPublisherLogger(quietLogger),
			rabbitmq.WithPublisherCodec(textCodec{}))
		rec := newRecorder()

		_, err := consumer.Subscribe(ctx, rabbitmq.Subscription{
			Queue:      "audit-log",
			Exchange:   "audit-events",
			RoutingKey: "audit.*",
			Handler:    rec.handle,
			Durable:    true,
		})
		require.NoError(t, err)

		require.NoError(t, publisher.Publish(ctx, "audit-events", "audit.logged", "order o-9 refunded"))

		msg := rec.next(t)
		assert.Equal(t, "order o-9 refunded", msg.Payload)
		var text string
		require.NoError(t, msg.Decode(&text))
		assert.Equal(t, "order o-9 refunded", text)
		assert.Eventually(t, func() bool { return s.broker.Acks() == 1 }, waitFor, tick)
	})
}

func TestConsumerAcknowledgement(t *testing.T) {
	ctx := context.Background()

	t.Run("handler failure is nacked never acked", func(t *testing.T) {
		s := newStack(t)
		s.broker.SetRequeueOnNack(false)

		_, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{
			Queue:      "payments",
			Exchange:   "payment-events",
			RoutingKey: "payment.#",
			Durable:    true,
			Handler: func(context.Context, *rabbitmq.Message) error {
				return errors.New("gateway timeout")
			},
		})
		require.NoError(t, err)

		require.NoError(t, s.publisher.Publish(ctx, "payment-events", "payment.captured", map[string]string{"id": "pay-1"}))

		assert.Eventually(t, func() bool { return s.broker.Nacks() == 1 }, waitFor, tick)
		assert.Equal(t, 0, s.broker.Acks())
	})

	t.Run("nacked message is redelivered", func(t *testing.T) {
		s := newStack(t)
		calls := make(chan bool, 4)

		_, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{
			Queue:      "emails",
			Exchange:   "user-events",
			RoutingKey: "user.registered",
			Durable:    true,
			Handler: func(_ context.Context, msg *rabbitmq.Message) error {
				calls <- msg.Redelivered
				if !msg.Redelivered {
					return errors.New("smtp down")
				}
				return nil
			},
		})
		require.NoError(t, err)
		require.NoError(t, s.publisher.Publish(ctx, "user-events", "user.registered", map[string]string{"email": "a@b.c"}))

		assert.False(t, <-calls)
		assert.True(t, <-calls)
		assert.Eventually(t, func() bool { return s.broker.Acks() == 1 }, waitFor, tick)
		assert.Equal(t, 1, s.broker.Nacks())
	})
}

func TestConsumerRecovery(t *testing.T) {
	ctx := context.Background()

	subscribeAll := func(t *testing.T, s *stack) map[string]*recorder {
		t.Helper()
		recs := map[string]*recorder{
			"product.#": newRecorder(),
			"cart.#":    newRecorder(),
		}
		for key, rec := range recs {
			exchange := map[string]string{"product.#": "product-events", "cart.#": "cart-events"}[key]
			_, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{
				Queue:      "svc-" + exchange,
				Exchange:   exchange,
				RoutingKey: key,
				Handler:    rec.handle,
				Durable:    true,
			})
			require.NoError(t, err)
		}
		return recs
	}

	publishBoth := func(t *testing.T, s *stack) {
		t.Helper()
		require.NoError(t, s.publisher.Publish(ctx, "product-events", "product.updated", productUpdated{ID: "p-9"}))
		require.NoError(t, s.publisher.Publish(ctx, "cart-events", "cart.updated", map[string]int{"items": 3}))
	}

	t.Run("resubscribes every queue after a channel failure", func(t *testing.T) {
		s := newStack(t)
		recs := subscribeAll(t, s)

		s.broker.FailChannels()
		publishBoth(t, s)

		for _, rec := range recs {
			rec.next(t)
		}
		assert.Equal(t, 1, s.broker.Dials())
		assert.Equal(t, 1, s.broker.Consumers("svc-product-events"))
	})

	t.Run("resubscribes every queue after a reconnection", func(t *testing.T) {
		s := newStack(t)
		recs := subscribeAll(t, s)

		s.broker.DropConnections()
		publishBoth(t, s)

		for _, rec := range recs {
			rec.next(t)
		}
		assert.Equal(t, 2, s.broker.Dials())
	})

	t.Run("unsubscribed queues are not resubscribed", func(t *testing.T) {
		s := newStack(t)
		listener := &stateListener{}
		s.manager.AddStateListener(listener)
		subscribeAll(t, s)

		require.NoError(t, s.consumer.Unsubscribe("svc-cart-events"))
		s.broker.FailChannels()

		assert.Eventually(t, func() bool { return listener.channelRecovered.Load() == 1 }, waitFor, tick)
		assert.Equal(t, 1, s.broker.Consumers("svc-product-events"))
		assert.False(t, s.broker.HasQueue("svc-cart-events"))
		assert.Equal(t, []string{"svc-product-events"}, s.registry.Queues())
	})
}

func TestConsumerUnsubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels the consumer and deletes the queue", func(t *testing.T) {
		s := newStack(t)
		_, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{
			Queue: "audit", Exchange: "user-events", RoutingKey: "user.#", Handler: newRecorder().handle, Durable: true,
		})
		require.NoError(t, err)

		require.NoError(t, s.consumer.Unsubscribe("audit"))
		assert.False(t, s.broker.HasQueue("audit"))
		assert.Equal(t, 0, s.registry.Len())
	})

	t.Run("is best effort for unknown queues and without a connection", func(t *testing.T) {
		s := newStack(t)
		assert.NoError(t, s.consumer.Unsubscribe("never-subscribed"))
		assert.Equal(t, 0, s.broker.Dials())
	})

	t.Run("CancelAll leaves no consumers", func(t *testing.T) {
		s := newStack(t)
		for _, q := range []string{"one", "two"} {
			_, err := s.consumer.Subscribe(ctx, rabbitmq.Subscription{
				Queue: q, Exchange: "cart-events", RoutingKey: "cart.#", Handler: newRecorder().handle, Durable: true,
			})
			require.NoError(t, err)
		}

		s.consumer.CancelAll()
		assert.Equal(t, 0, s.broker.Consumers("one"))
		assert.Equal(t, 0, s.broker.Consumers("two"))
		assert.Equal(t, 0, s.registry.Len())
	})
}
