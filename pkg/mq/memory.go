package mq

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// MemoryChannel 进程内 topic exchange。语义与 AMQPChannel 一致：
// 消息按绑定复制到每个匹配的队列，同一队列的多个消费者竞争消费，失败按 Options 重试或进入死信。
type MemoryChannel struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*memQueue
	binds  []memBinding
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Int64
}

type memBinding struct {
	exchange string
	pattern  string
	queue    string
}

// memQueue 只有存在活跃消费者时，队列中的消息才计入 pending
type memQueue struct {
	name      string
	pending   *atomic.Int64
	mu        sync.Mutex
	items     []*Message
	consumers int
	signal    chan struct{}
}

func newMemQueue(name string, pending *atomic.Int64) *memQueue {
	return &memQueue{name: name, pending: pending, signal: make(chan struct{}, 1)}
}

func (q *memQueue) push(m *Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	if q.consumers > 0 {
		q.pending.Add(1)
	}
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pushFront 放回已取出但未处理的消息，该消息仍在 pending 中
func (q *memQueue) pushFront(m *Message) {
	q.mu.Lock()
	q.items = append([]*Message{m}, q.items...)
	q.mu.Unlock()
}

func (q *memQueue) pop() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m
}

// attach 登记消费者；队列从无人消费变为有人消费时，积压消息重新计入 pending
func (q *memQueue) attach() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumers == 0 {
		q.pending.Add(int64(len(q.items)))
	}
	q.consumers++
}

// detach 注销消费者；最后一个消费者退出后，积压消息留在队列中但不再计入 pending
func (q *memQueue) detach() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumers--
	if q.consumers == 0 {
		q.pending.Add(-int64(len(q.items)))
	}
}

// NewMemoryChannel 创建进程内通道
func NewMemoryChannel(opts Options) *MemoryChannel {
	ctx, cancel := context.WithCancel(context.Background())
	opts = opts.withDefaults()
	if opts.DeadLetters == nil {
		opts.DeadLetters = NewMemoryDeadLetters()
	}
	return &MemoryChannel{
		opts:   opts,
		queues: make(map[string]*memQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish 把消息复制到每个绑定匹配的队列。没有匹配的绑定时消息被丢弃。
func (c *MemoryChannel) Publish(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		err := xerrors.Wrap(xerrors.BrokerUnavailable, ErrClosed, "publish "+msg.RoutingKey)
		c.opts.Metrics.RecordPublish(msg.Exchange, msg.RoutingKey, err)
		return err
	}
	targets := make(map[string]*memQueue)
	for _, b := range c.binds {
		if b.exchange == msg.Exchange && MatchTopic(b.pattern, msg.RoutingKey) {
			targets[b.queue] = c.queues[b.queue]
		}
	}
	c.mu.Unlock()

	out := msg.clone()
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	injectTrace(ctx, out)

	for _, q := range targets {
		q.push(out.clone())
	}
	c.opts.Metrics.RecordPublish(msg.Exchange, msg.RoutingKey, nil)
	return nil
}

// Subscribe 绑定队列并启动消费循环
func (c *MemoryChannel) Subscribe(ctx context.Context, b Binding, h Handler) error {
	if b.Exchange == "" || b.RoutingKey == "" {
		return errors.New("mq: binding requires exchange and routing key")
	}
	if b.Queue == "" {
		b.Queue = "amq.gen-" + uuid.NewString()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	q, ok := c.queues[b.Queue]
	if !ok {
		q = newMemQueue(b.Queue, &c.pending)
		c.queues[b.Queue] = q
	}
	c.addBinding(memBinding{exchange: b.Exchange, pattern: b.RoutingKey, queue: b.Queue})
	q.attach()
	c.wg.Add(1)
	c.mu.Unlock()

	cons := newConsumer(c.opts, b, h)
	go c.consume(ctx, q, cons)

	logger.Debug(ctx, "memory subscription started", "binding", b.String())
	return nil
}

func (c *MemoryChannel) addBinding(nb memBinding) {
	for _, b := range c.binds {
		if b == nb {
			return
		}
	}
	c.binds = append(c.binds, nb)
}

func (c *MemoryChannel) consume(ctx context.Context, q *memQueue, cons *consumer) {
	defer c.wg.Done()
	defer q.detach()
	for {
		msg := q.pop()
		if msg == nil {
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			}
		}

		if err := cons.sem.Acquire(ctx, 1); err != nil {
			q.pushFront(msg)
			return
		}
		c.wg.Add(1)
		go func(m *Message) {
			defer c.wg.Done()
			defer cons.sem.Release(1)
			c.deliver(ctx, q, cons, m)
		}(msg)
	}
}

func (c *MemoryChannel) deliver(ctx context.Context, q *memQueue, cons *consumer, m *Message) {
	defer c.pending.Add(-1)
	m.Queue = q.name

	out, err := cons.process(ctx, m)
	switch out {
	case outcomeRetry:
		next := m.clone()
		next.Attempt++
		next.Redelivered = true
		next.Headers[HeaderRetryCount] = strconv.Itoa(next.Attempt)
		next.Headers[HeaderError] = err.Error()
		q.push(next)
	case outcomeDeadLetter:
		if sendErr := c.opts.DeadLetters.Send(context.WithoutCancel(ctx), m, err); sendErr != nil {
			logger.Error(ctx, "dead-letter sink failed", "queue", q.name, "message_id", m.ID, "error", sendErr)
		}
	}
}

// DeadLetters 返回死信去向，未指定时为进程内的 MemoryDeadLetters
func (c *MemoryChannel) DeadLetters() DeadLetterSink {
	return c.opts.DeadLetters
}

// WaitIdle 阻塞直到所有已发布消息都被确认或进入死信，包括处理过程中新发布的消息。
// 没有活跃消费者的队列中的积压消息不计在内。
func (c *MemoryChannel) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 停止消费并等待处理中的消息结束
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
