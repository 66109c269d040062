// Package interceptors wraps event bus handlers with cross-cutting behaviour.
package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopfront/eventbus"
)

// Interceptor processes a message and decides whether to call next.
type Interceptor func(ctx context.Context, msg *eventbus.Message, next eventbus.Handler) error

// Chain returns a handler running interceptors in order before handler.
func Chain(handler eventbus.Handler, interceptors ...Interceptor) eventbus.Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], handler
		handler = func(ctx context.Context, msg *eventbus.Message) error {
			return ic(ctx, msg, next)
		}
	}
	return handler
}

// Logging logs every message with the handler's outcome and duration.
func Logging(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, msg *eventbus.Message, next eventbus.Handler) error {
		start := time.Now()
		err := next(ctx, msg)

		attrs := []any{
			"queue", msg.Queue,
			"routingKey", msg.RoutingKey,
			"correlationId", msg.CorrelationID,
			"duration", time.Since(start),
		}
		if err != nil {
			logger.Warn("message handling failed", append(attrs, "error", err)...)
			return err
		}
		logger.Debug("message handled", attrs...)
		return nil
	}
}

// Timeout bounds the handler's context. A handler that ignores its context
// is not interrupted.
func Timeout(d time.Duration) Interceptor {
	return func(ctx context.Context, msg *eventbus.Message, next eventbus.Handler) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx, msg)
	}
}

// Filter drops messages the predicate rejects. Dropped messages are
// acknowledged.
func Filter(keep func(*eventbus.Message) bool) Interceptor {
	return func(ctx context.Context, msg *eventbus.Message, next eventbus.Handler) error {
		if !keep(msg) {
			return nil
		}
		return next(ctx, msg)
	}
}

// SkipRedelivered acknowledges a redelivered message whose handler fails
// again, so a poison message is retried once instead of forever.
func SkipRedelivered(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, msg *eventbus.Message, next eventbus.Handler) error {
		err := next(ctx, msg)
		if err == nil || !msg.Redelivered {
			return err
		}
		logger.Error("dropping message that failed after redelivery",
			"queue", msg.Queue,
			"routingKey", msg.RoutingKey,
			"error", err)
		return nil
	}
}
