package outbox

import (
	"context"
	"time"

	"github.com/wyfcoding/fulfillment/pkg/config"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/metrics"
	"github.com/wyfcoding/fulfillment/pkg/mq"
)

// Relay 周期性重发暂存的消息。多个实例同时运行时同一条消息可能被发布两次，
// 消费端按 messageId 去重。
type Relay struct {
	store   *Store
	pub     mq.Publisher
	cfg     config.OutboxConfig
	metrics *metrics.Metrics
}

// NewRelay 创建重发器
func NewRelay(store *Store, pub mq.Publisher, cfg config.OutboxConfig, m *metrics.Metrics) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{store: store, pub: pub, cfg: cfg, metrics: m}
}

// Run 阻塞运行直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	if r.store == nil {
		return ErrNoStore
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	logger.Info(ctx, "outbox relay started", "interval", r.cfg.Interval, "batch_size", r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ProcessOnce(ctx); err != nil {
				logger.Error(ctx, "outbox relay pass failed", "error", err)
			}
			if r.cfg.Retention > 0 {
				if n, err := r.store.Cleanup(ctx, time.Now().UTC().Add(-r.cfg.Retention)); err != nil {
					logger.Error(ctx, "outbox cleanup failed", "error", err)
				} else if n > 0 {
					logger.Debug(ctx, "outbox cleanup", "deleted", n)
				}
			}
		}
	}
}

// ProcessOnce 重发一批待发布消息，返回成功条数
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	rows, err := r.store.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range rows {
		row := &rows[i]
		msg := &mq.Message{
			ID:         row.MessageID,
			Exchange:   row.Exchange,
			RoutingKey: row.RoutingKey,
			Body:       []byte(row.Payload),
			Timestamp:  row.CreatedAt,
		}
		if err := r.pub.Publish(ctx, msg); err != nil {
			logger.Warn(ctx, "outbox republish failed",
				"id", row.ID,
				"routing_key", row.RoutingKey,
				"attempts", row.Attempts+1,
				"error", err,
			)
			if markErr := r.store.MarkFailed(ctx, row, err, r.cfg.MaxAttempts); markErr != nil {
				return sent, markErr
			}
			if row.Status == StatusFailed {
				logger.Error(ctx, "outbox message abandoned", "id", row.ID, "message_id", row.MessageID, "routing_key", row.RoutingKey)
			}
			continue
		}
		if err := r.store.MarkSent(ctx, row.ID); err != nil {
			return sent, err
		}
		sent++
	}

	if n, err := r.store.Count(ctx, StatusPending); err == nil {
		r.metrics.SetOutboxBacklog(n)
	}
	if sent > 0 {
		logger.Info(ctx, "outbox messages republished", "count", sent)
	}
	return sent, nil
}
