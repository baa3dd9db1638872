package mq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

const (
	headerOriginalExchange = "x-original-exchange"
	headerOriginalKey      = "x-original-routing-key"
)

// ErrNotReady 连接尚未建立或正在重连
var ErrNotReady = errors.New("mq: broker connection not ready")

// AMQPChannel 基于 RabbitMQ 的消息通道。
// 发布走确认模式的独立 channel；每个订阅一个 channel，prefetch 与并发上限一致；
// 持久队列声明死信交换机 <exchange>.dlx，死信按队列名路由到 <queue>.dlq。
// 连接断开后按 ReconnectDelay 重连；任一订阅的 delivery channel 意外关闭时，该订阅自行重建。
type AMQPChannel struct {
	url  string
	opts Options

	mu       sync.RWMutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	confirms chan amqp.Confirmation
	ready    bool

	// pubMu 串行化发布，保证确认按序对应
	pubMu    sync.Mutex
	seq      uint64
	declared map[string]bool

	// restartSub 重建单个订阅，默认 startSub
	restartSub func(*amqpSub) error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type amqpSub struct {
	ctx     context.Context
	binding Binding
	cons    *consumer
}

// DialAMQP 连接 RabbitMQ 并启动断线重连
func DialAMQP(url string, opts Options) (*AMQPChannel, error) {
	c := &AMQPChannel{
		url:  url,
		opts: opts.withDefaults(),
		done: make(chan struct{}),
	}
	c.restartSub = c.startSub
	if err := c.connect(); err != nil {
		return nil, xerrors.Wrap(xerrors.BrokerUnavailable, err, "connect to broker")
	}
	c.wg.Add(1)
	go c.watch()
	logger.Info(context.Background(), "broker connected")
	return c, nil
}

func (c *AMQPChannel) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open producer channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	confirms := pub.NotifyPublish(make(chan amqp.Confirmation, 1))

	c.pubMu.Lock()
	c.seq = 0
	c.declared = make(map[string]bool)
	c.pubMu.Unlock()

	c.mu.Lock()
	c.conn = conn
	c.pub = pub
	c.confirms = confirms
	c.ready = true
	c.mu.Unlock()
	return nil
}

// watch 监听连接与发布 channel 的关闭，异常关闭时重连。订阅由各自的消费循环恢复。
func (c *AMQPChannel) watch() {
	defer c.wg.Done()
	for {
		c.mu.RLock()
		conn, pub := c.conn, c.pub
		c.mu.RUnlock()

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		pubClosed := pub.NotifyClose(make(chan *amqp.Error, 1))

		var cause *amqp.Error
		select {
		case <-c.done:
			return
		case cause = <-connClosed:
		case cause = <-pubClosed:
		}
		select {
		case <-c.done:
			return
		default:
		}

		logger.Warn(context.Background(), "broker connection lost, reconnecting", "cause", cause)
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
		if !conn.IsClosed() {
			_ = conn.Close()
		}

		for {
			select {
			case <-c.done:
				return
			case <-time.After(c.opts.ReconnectDelay):
			}
			if err := c.connect(); err != nil {
				logger.Warn(context.Background(), "broker reconnect failed", "error", err)
				continue
			}
			break
		}
		logger.Info(context.Background(), "broker reconnected")
	}
}

// Publish 以持久消息发布并等待 broker 确认
func (c *AMQPChannel) Publish(ctx context.Context, msg *Message) error {
	out := msg.clone()
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	injectTrace(ctx, out)

	err := c.publish(ctx, msg.Exchange, msg.RoutingKey, out)
	c.opts.Metrics.RecordPublish(msg.Exchange, msg.RoutingKey, err)
	if err != nil {
		return xerrors.Wrap(xerrors.BrokerUnavailable, err, "publish "+msg.RoutingKey)
	}
	return nil
}

func (c *AMQPChannel) publish(ctx context.Context, exchange, key string, m *Message) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.RLock()
	pub, confirms, ready := c.pub, c.confirms, c.ready
	c.mu.RUnlock()
	if !ready {
		return ErrNotReady
	}

	if exchange != "" && !c.declared[exchange] {
		if err := pub.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
		c.declared[exchange] = true
	}

	err := pub.Publish(exchange, key, false, false, amqp.Publishing{
		Headers:      toTable(m.Headers),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Timestamp:    m.Timestamp,
		Type:         key,
		Body:         m.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	c.seq++
	tag := c.seq

	timer := time.NewTimer(c.opts.PublishTimeout)
	defer timer.Stop()
	for {
		select {
		case conf, ok := <-confirms:
			if !ok {
				return errors.New("producer channel closed before confirmation")
			}
			if conf.DeliveryTag < tag {
				// 上一次超时留下的确认
				continue
			}
			if !conf.Ack {
				return errors.New("message published but not confirmed")
			}
			return nil
		case <-timer.C:
			return errors.New("publish confirmation timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe 声明交换机、队列、死信拓扑并开始消费
func (c *AMQPChannel) Subscribe(ctx context.Context, b Binding, h Handler) error {
	if b.Exchange == "" || b.RoutingKey == "" {
		return errors.New("mq: binding requires exchange and routing key")
	}
	sub := &amqpSub{ctx: ctx, binding: b, cons: newConsumer(c.opts, b, h)}
	if err := c.startSub(sub); err != nil {
		return xerrors.Wrap(xerrors.BrokerUnavailable, err, "subscribe "+b.String())
	}
	logger.Info(ctx, "subscription started", "binding", b.String())
	return nil
}

func (c *AMQPChannel) startSub(sub *amqpSub) error {
	c.mu.RLock()
	conn, ready := c.conn, c.ready
	c.mu.RUnlock()
	if !ready {
		return ErrNotReady
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	queue, err := declareTopology(ch, sub.binding, c.opts.Concurrency)
	if err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.wg.Add(1)
	go c.consumeLoop(sub, ch, queue, deliveries)
	return nil
}

func declareTopology(ch *amqp.Channel, b Binding, prefetch int) (string, error) {
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return "", fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := ch.ExchangeDeclare(b.Exchange, "topic", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare exchange %s: %w", b.Exchange, err)
	}

	if b.Queue == "" {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return "", fmt.Errorf("failed to declare anonymous queue: %w", err)
		}
		if err := ch.QueueBind(q.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return "", fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
		}
		return q.Name, nil
	}

	dlx := b.Exchange + ".dlx"
	dlq := b.Queue + ".dlq"
	if err := ch.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare dead-letter exchange %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare dead-letter queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, b.Queue, dlx, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind dead-letter queue %s: %w", dlq, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": b.Queue,
	}
	if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", b.Queue, err)
	}
	if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", b.Queue, err)
	}
	return b.Queue, nil
}

func (c *AMQPChannel) consumeLoop(sub *amqpSub, ch io.Closer, queue string, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	if c.drain(sub, ch, queue, deliveries) {
		c.restart(sub)
	}
}

// drain 消费直到订阅结束或 delivery channel 被关闭，后者返回 true
func (c *AMQPChannel) drain(sub *amqpSub, ch io.Closer, queue string, deliveries <-chan amqp.Delivery) bool {
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		_ = ch.Close()
	}()

	for {
		select {
		case <-sub.ctx.Done():
			return false
		case <-c.done:
			return false
		case d, ok := <-deliveries:
			if !ok {
				logger.Warn(sub.ctx, "delivery channel closed", "queue", queue)
				return true
			}
			if err := sub.cons.sem.Acquire(sub.ctx, 1); err != nil {
				_ = d.Nack(false, true)
				return false
			}
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer inflight.Done()
				defer sub.cons.sem.Release(1)
				c.handleDelivery(sub, queue, d)
			}(d)
		}
	}
}

// restart 每隔 ReconnectDelay 尝试重建订阅，直到成功或订阅、通道被关闭。
// 连接断开期间 startSub 返回 ErrNotReady，等 watch 重连后即可成功。
func (c *AMQPChannel) restart(sub *amqpSub) {
	binding := sub.binding.String()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
		err := c.restartSub(sub)
		if err == nil {
			logger.Info(sub.ctx, "subscription restored", "binding", binding)
			return
		}
		if !errors.Is(err, ErrNotReady) {
			logger.Warn(sub.ctx, "failed to restore subscription, retrying", "binding", binding, "error", err)
		}
	}
}

func (c *AMQPChannel) handleDelivery(sub *amqpSub, queue string, d amqp.Delivery) {
	// 处理中的消息在关闭时允许完成
	ctx := context.WithoutCancel(sub.ctx)

	msg := &Message{
		ID:          d.MessageId,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Headers:     fromTable(d.Headers),
		Timestamp:   d.Timestamp,
		Queue:       queue,
		Redelivered: d.Redelivered,
	}
	if ex, ok := msg.Headers[headerOriginalExchange]; ok {
		msg.Exchange = ex
		msg.RoutingKey = msg.Headers[headerOriginalKey]
	}
	msg.Attempt, _ = strconv.Atoi(msg.Headers[HeaderRetryCount])

	out, err := sub.cons.process(ctx, msg)
	switch out {
	case outcomeAck:
		c.settle(ctx, d.Ack(false), msg)
	case outcomeRetry:
		next := msg.clone()
		next.Attempt++
		next.Headers[HeaderRetryCount] = strconv.Itoa(next.Attempt)
		next.Headers[HeaderError] = err.Error()
		next.Headers[headerOriginalExchange] = msg.Exchange
		next.Headers[headerOriginalKey] = msg.RoutingKey
		// 经默认交换机直接投回原队列
		if pubErr := c.publish(ctx, "", queue, next); pubErr != nil {
			logger.Warn(ctx, "retry republish failed, requeueing", "queue", queue, "error", pubErr)
			c.settle(ctx, d.Nack(false, true), msg)
			return
		}
		c.settle(ctx, d.Ack(false), msg)
	case outcomeDeadLetter:
		if c.opts.DeadLetters != nil {
			if sinkErr := c.opts.DeadLetters.Send(ctx, msg, err); sinkErr == nil {
				c.settle(ctx, d.Ack(false), msg)
				return
			}
		}
		c.settle(ctx, d.Nack(false, false), msg)
	}
}

func (c *AMQPChannel) settle(ctx context.Context, err error, msg *Message) {
	if err != nil {
		logger.Warn(ctx, "failed to settle delivery", "queue", msg.Queue, "message_id", msg.ID, "error", err)
	}
}

// Close 停止订阅，等待处理中的消息结束后关闭连接
func (c *AMQPChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		c.mu.Lock()
		c.ready = false
		conn := c.conn
		c.mu.Unlock()
		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
	})
	return err
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

func fromTable(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			h[k] = s
			continue
		}
		h[k] = fmt.Sprint(v)
	}
	return h
}
