// Package outbox 实现提交后发布：本地事务提交后再发布事件，发布失败的消息暂存在 outbox_messages 表，
// 由 Relay 周期性重发。本地状态以数据库为准，通知失败不会回滚已提交的变更。
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/mq"
)

// Status 暂存消息状态
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Message 暂存的待发布消息
type Message struct {
	ID         string    `gorm:"type:varchar(36);primaryKey"`
	MessageID  string    `gorm:"type:varchar(36);index"`
	Exchange   string    `gorm:"type:varchar(100)"`
	RoutingKey string    `gorm:"type:varchar(100);index"`
	Payload    string    `gorm:"type:text"`
	Status     Status    `gorm:"type:varchar(20);index"`
	Attempts   int       `gorm:"not null;default:0"`
	LastError  string    `gorm:"type:varchar(512)"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// TableName 指定表名
func (Message) TableName() string {
	return "outbox_messages"
}

// Store 暂存表读写
type Store struct {
	db *gorm.DB
}

// NewStore 创建暂存表访问
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 创建暂存表
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Message{})
}

// Save 暂存一条发布失败的消息
func (s *Store) Save(ctx context.Context, msg *mq.Message, cause error) error {
	row := Message{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		Exchange:   msg.Exchange,
		RoutingKey: msg.RoutingKey,
		Payload:    string(msg.Body),
		Status:     StatusPending,
		LastError:  truncate(errString(cause), 512),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Pending 按创建顺序取出待发布消息
func (s *Store) Pending(ctx context.Context, limit int) ([]Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkSent 标记为已发布
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": StatusSent, "last_error": ""}).Error
}

// MarkFailed 记录一次失败，达到 maxAttempts 后转为 FAILED 不再重发
func (s *Store) MarkFailed(ctx context.Context, row *Message, cause error, maxAttempts int) error {
	row.Attempts++
	status := StatusPending
	if maxAttempts > 0 && row.Attempts >= maxAttempts {
		status = StatusFailed
	}
	row.Status = status
	return s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":     status,
			"attempts":   row.Attempts,
			"last_error": truncate(errString(cause), 512),
		}).Error
}

// Cleanup 删除早于 before 的已发布消息
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusSent, before).
		Delete(&Message{})
	return res.RowsAffected, res.Error
}

// Count 统计某状态的消息数
func (s *Store) Count(ctx context.Context, status Status) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Message{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// Dispatcher 在本地事务提交后发布消息。发布失败只记录日志并暂存，不向调用方返回错误。
type Dispatcher struct {
	pub   mq.Publisher
	store *Store
}

// NewDispatcher 创建发布器，store 为空时发布失败只记录日志
func NewDispatcher(pub mq.Publisher, store *Store) *Dispatcher {
	return &Dispatcher{pub: pub, store: store}
}

// Dispatch 逐条发布，单条失败不影响后续消息
func (d *Dispatcher) Dispatch(ctx context.Context, msgs ...*mq.Message) {
	for _, msg := range msgs {
		err := d.pub.Publish(ctx, msg)
		if err == nil {
			logger.Debug(ctx, "event published", "routing_key", msg.RoutingKey, "message_id", msg.ID)
			continue
		}

		logger.Error(ctx, "event publication failed after commit",
			"exchange", msg.Exchange,
			"routing_key", msg.RoutingKey,
			"message_id", msg.ID,
			"error", err,
		)
		if d.store == nil {
			continue
		}
		// 请求可能已经取消，暂存不应随之失败
		if saveErr := d.store.Save(context.WithoutCancel(ctx), msg, err); saveErr != nil {
			logger.Error(ctx, "failed to park event in outbox",
				"routing_key", msg.RoutingKey,
				"message_id", msg.ID,
				"error", saveErr,
			)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ErrNoStore Relay 缺少暂存表
var ErrNoStore = errors.New("outbox: relay requires a store")
