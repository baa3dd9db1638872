package application

import (
	"context"
	"time"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/config"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// TimeoutReason 等待库存校验超时被取消的订单原因
const TimeoutReason = "stock validation timed out"

const sweepBatch = 100

// PendingSweeper 取消长时间未收到库存校验结果的 PENDING 订单
type PendingSweeper struct {
	repo   domain.OrderRepository
	orders *OrderCommandService
	cfg    config.SagaConfig
	now    func() time.Time
}

// NewPendingSweeper 创建清理器。cfg.PendingTimeout 为 0 时 Run 直接返回。
func NewPendingSweeper(repo domain.OrderRepository, orders *OrderCommandService, cfg config.SagaConfig) *PendingSweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &PendingSweeper{
		repo:   repo,
		orders: orders,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enabled 是否配置了超时
func (s *PendingSweeper) Enabled() bool {
	return s.cfg.PendingTimeout > 0
}

// Run 阻塞运行直到 ctx 结束
func (s *PendingSweeper) Run(ctx context.Context) error {
	if !s.Enabled() {
		logger.Info(ctx, "pending order sweeper disabled")
		return nil
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	logger.Info(ctx, "pending order sweeper started", "timeout", s.cfg.PendingTimeout, "interval", s.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.Error(ctx, "pending order sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce 取消一批超时订单，返回取消的数量
func (s *PendingSweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	stale, err := s.repo.ListPendingBefore(ctx, s.now().Add(-s.cfg.PendingTimeout), sweepBatch)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, o := range stale {
		_, applied, err := s.orders.ResolvePending(ctx, o.ID, domain.StatusCancelled, TimeoutReason)
		if err != nil {
			logger.Error(ctx, "failed to cancel timed out order", "order_id", o.ID, "error", err)
			continue
		}
		if applied {
			cancelled++
		}
	}
	if cancelled > 0 {
		logger.Warn(ctx, "timed out pending orders cancelled", "count", cancelled)
	}
	return cancelled, nil
}
