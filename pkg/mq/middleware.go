package mq

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wyfcoding/fulfillment/pkg/idempotency"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

const tracerName = "github.com/wyfcoding/fulfillment/pkg/mq"

// Recover 把处理函数中的 panic 转为错误
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(ctx, "message handler panicked",
						"queue", msg.Queue,
						"routing_key", msg.RoutingKey,
						"message_id", msg.ID,
						"panic", r,
						"stack", string(debug.Stack()),
					)
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Trace 从消息头恢复上游 trace 并开启消费 span
func Trace() Middleware {
	tracer := otel.Tracer(tracerName)
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
			ctx, span := tracer.Start(ctx, "consume "+msg.RoutingKey,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.destination.name", msg.Exchange),
					attribute.String("messaging.rabbitmq.destination.routing_key", msg.RoutingKey),
					attribute.String("messaging.message.id", msg.ID),
					attribute.Int("messaging.retry_count", msg.Attempt),
				),
			)
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// Dedup 按 队列+消息ID 跳过已成功处理过的消息，处理成功后才标记。
// 去重存储不可用时照常处理，依赖下游操作自身的幂等性。
func Dedup(store idempotency.Store) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			if msg.ID == "" {
				return next(ctx, msg)
			}
			key := msg.Queue + ":" + msg.ID

			seen, err := store.Seen(ctx, key)
			if err != nil {
				logger.Warn(ctx, "dedup lookup failed, processing anyway", "key", key, "error", err)
			} else if seen {
				logger.Info(ctx, "duplicate message skipped",
					"queue", msg.Queue,
					"routing_key", msg.RoutingKey,
					"message_id", msg.ID,
				)
				return nil
			}

			if err := next(ctx, msg); err != nil {
				return err
			}
			if err := store.Mark(ctx, key); err != nil {
				logger.Warn(ctx, "dedup mark failed", "key", key, "error", err)
			}
			return nil
		}
	}
}

// injectTrace 把当前 trace 写入待发布消息头
func injectTrace(ctx context.Context, msg *Message) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))
}
