// Package eventbus is the messaging client the storefront services use to
// publish domain events, subscribe to them and make request/reply calls over
// a RabbitMQ topic broker.
//
// A service builds one Client from a Config and shares it:
//
//	cfg, err := eventbus.LoadConfig("")
//	if err != nil {
//		return err
//	}
//	client, err := eventbus.NewClient(cfg, eventbus.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	err = client.Publish(ctx, "product-events", "product.updated", product)
//
//	_, err = client.Subscribe(ctx, "product-events", "search-indexer", "product.#",
//		func(ctx context.Context, msg *eventbus.Message) error {
//			return index(msg.Payload)
//		}, eventbus.SubscribeOptions{})
//
// The client connects lazily. A failed channel is reopened on the same
// connection and a lost connection is re-dialed at a fixed interval up to
// Config.MaxReconnectAttempts; every exchange and subscription is restored
// afterwards without caller involvement. Once the attempts are exhausted,
// operations fail with an error for which IsTerminal reports true.
//
// A handler's message is acknowledged only when it returns nil. Errors,
// panics and undecodable bodies requeue the message.
package eventbus
