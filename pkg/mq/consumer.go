package mq

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// consumer 单个订阅的处理管线：中间件链、并发上限、结果判定
type consumer struct {
	opts    Options
	binding Binding
	handler Handler
	sem     *semaphore.Weighted
}

func newConsumer(opts Options, b Binding, h Handler) *consumer {
	mws := append([]Middleware{Recover(), Trace()}, opts.Middlewares...)
	return &consumer{
		opts:    opts,
		binding: b,
		handler: Chain(h, mws...),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// process 执行处理函数并给出消息去向
func (c *consumer) process(ctx context.Context, msg *Message) (outcome, error) {
	start := time.Now()
	err := c.handler(ctx, msg)
	out := c.opts.decide(msg, err)
	c.opts.Metrics.RecordConsume(c.binding.Queue, string(out), time.Since(start))

	switch out {
	case outcomeRetry:
		logger.Warn(ctx, "message handling failed, will retry",
			"queue", msg.Queue,
			"routing_key", msg.RoutingKey,
			"message_id", msg.ID,
			"attempt", msg.Attempt,
			"error", err,
		)
	case outcomeDeadLetter:
		logger.Error(ctx, "message handling failed, dead-lettering",
			"queue", msg.Queue,
			"routing_key", msg.RoutingKey,
			"message_id", msg.ID,
			"attempt", msg.Attempt,
			"error", err,
		)
	}
	return out, err
}
