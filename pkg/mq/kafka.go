package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// KafkaConfig Kafka 死信投递配置
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// 写入失败的重试次数
	MaxAttempts int
}

// kafkaWriter 便于测试替换
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDeadLetterSink 把重试耗尽的消息写入 Kafka 死信 topic，按原消息 ID 作为分区键
type KafkaDeadLetterSink struct {
	writer kafkaWriter
	topic  string
}

// deadLetterRecord 死信 topic 中的消息体
type deadLetterRecord struct {
	MessageID        string            `json:"message_id"`
	OriginalExchange string            `json:"original_exchange"`
	OriginalKey      string            `json:"original_routing_key"`
	OriginalQueue    string            `json:"original_queue"`
	OriginalBody     json.RawMessage   `json:"original_body"`
	OriginalHeaders  map[string]string `json:"original_headers,omitempty"`
	Attempts         int               `json:"attempts"`
	FailureError     string            `json:"failure_error"`
	FailedAt         time.Time         `json:"failed_at"`
}

// NewKafkaDeadLetterSink 创建 Kafka 死信投递
func NewKafkaDeadLetterSink(cfg KafkaConfig) *KafkaDeadLetterSink {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
	logger.Info(context.Background(), "kafka dead-letter sink created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaDeadLetterSink{writer: w, topic: cfg.Topic}
}

// Send 写入一条死信
func (s *KafkaDeadLetterSink) Send(ctx context.Context, msg *Message, cause error) error {
	record := deadLetterRecord{
		MessageID:        msg.ID,
		OriginalExchange: msg.Exchange,
		OriginalKey:      msg.RoutingKey,
		OriginalQueue:    msg.Queue,
		OriginalHeaders:  msg.Headers,
		Attempts:         msg.Attempt + 1,
		FailedAt:         time.Now().UTC(),
	}
	if json.Valid(msg.Body) {
		record.OriginalBody = msg.Body
	} else {
		quoted, _ := json.Marshal(string(msg.Body))
		record.OriginalBody = quoted
	}
	if cause != nil {
		record.FailureError = cause.Error()
	}

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "original_routing_key", Value: []byte(msg.RoutingKey)},
			{Key: "attempts", Value: []byte(strconv.Itoa(record.Attempts))},
		},
	})
	if err != nil {
		logger.Error(ctx, "failed to write dead letter to kafka",
			"topic", s.topic,
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	logger.Warn(ctx, "message dead-lettered to kafka",
		"topic", s.topic,
		"message_id", msg.ID,
		"routing_key", msg.RoutingKey,
	)
	return nil
}

// Close 关闭写入器
func (s *KafkaDeadLetterSink) Close() error {
	return s.writer.Close()
}
