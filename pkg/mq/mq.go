// Package mq 提供基于 topic exchange 语义的消息通道：命名交换机、路由键模式匹配、
// 持久队列、逐条确认/否定确认、有限重试与死信。
//
// 两个实现：AMQPChannel（RabbitMQ）和 MemoryChannel（单进程与测试）。
package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/fulfillment/pkg/metrics"
)

// 消息头
const (
	HeaderRetryCount = "x-retry-count"
	HeaderError      = "x-last-error"
)

// ErrClosed 通道已关闭
var ErrClosed = errors.New("mq: channel closed")

// ErrPermanent 标记不可重试的处理失败（例如消息体无法解析），直接进入死信
var ErrPermanent = errors.New("mq: permanent failure")

// Permanent 包装为不可重试错误
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Message 一条消息。发布时填写 ID/Exchange/RoutingKey/Body，投递时通道补充其余字段。
type Message struct {
	ID         string
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	Timestamp  time.Time

	// 以下字段仅在投递时有效
	Queue       string
	Attempt     int
	Redelivered bool
}

// Header 读取消息头
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

func (m *Message) clone() *Message {
	c := *m
	c.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	return &c
}

// Handler 消息处理函数。返回 nil 确认消息，返回错误则重试或进入死信。
type Handler func(ctx context.Context, msg *Message) error

// Middleware 处理函数装饰器
type Middleware func(next Handler) Handler

// Chain 组合中间件，第一个在最外层
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Binding 把队列绑定到交换机上的路由键模式。Queue 为空时创建进程内自动删除的匿名队列。
type Binding struct {
	Exchange   string
	RoutingKey string
	Queue      string
}

func (b Binding) String() string {
	return fmt.Sprintf("%s[%s]->%s", b.Exchange, b.RoutingKey, b.Queue)
}

// Publisher 发布消息
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Channel 消息通道
type Channel interface {
	Publisher
	// Subscribe 声明绑定并开始消费，ctx 结束时停止该订阅
	Subscribe(ctx context.Context, b Binding, h Handler) error
	// Close 停止所有订阅，等待处理中的消息结束
	Close() error
}

// DeadLetterSink 重试耗尽或永久失败的消息去向
type DeadLetterSink interface {
	Send(ctx context.Context, msg *Message, cause error) error
}

// Options 通道选项
type Options struct {
	// 每个订阅的最大并发处理数
	Concurrency int
	// 失败后最多重试次数，之后进入死信
	MaxRetries int
	// 发布确认等待时长
	PublishTimeout time.Duration
	// 断线重连间隔
	ReconnectDelay time.Duration
	// 为空时 AMQP 使用死信交换机，内存通道使用 MemoryDeadLetters
	DeadLetters DeadLetterSink
	// 应用在每个订阅处理函数外层
	Middlewares []Middleware
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	return o
}

type outcome string

const (
	outcomeAck        outcome = "ack"
	outcomeRetry      outcome = "retry"
	outcomeDeadLetter outcome = "dead_letter"
)

// decide 根据处理结果与已重试次数决定消息去向
func (o Options) decide(msg *Message, err error) outcome {
	switch {
	case err == nil:
		return outcomeAck
	case errors.Is(err, ErrPermanent):
		return outcomeDeadLetter
	case msg.Attempt >= o.MaxRetries:
		return outcomeDeadLetter
	default:
		return outcomeRetry
	}
}
