package application

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// defaultValidationFailure 库存域未给出原因时的取消原因
const defaultValidationFailure = "Stock validation failed"

// UnavailableItem 库存不足的订单行
type UnavailableItem struct {
	ProductID int64
	Requested int
	Available int
}

// StockValidationResult 库存域对一次校验请求的答复
type StockValidationResult struct {
	OrderID     int64
	Valid       bool
	Reason      string
	Unavailable []UnavailableItem
}

// SagaCoordinator 订单侧的 saga 协调方：根据库存校验结果确认或取消 PENDING 订单
type SagaCoordinator struct {
	orders    *OrderCommandService
	publisher domain.EventPublisher
}

// NewSagaCoordinator 创建协调方
func NewSagaCoordinator(orders *OrderCommandService, publisher domain.EventPublisher) *SagaCoordinator {
	return &SagaCoordinator{orders: orders, publisher: publisher}
}

// HandleValidationResponse 处理库存校验结果。
// 订单不存在或已离开 PENDING 时只记录日志，不返回错误；其余失败返回 HandlerFailure 以便重投。
func (c *SagaCoordinator) HandleValidationResponse(ctx context.Context, res StockValidationResult) error {
	target, reason := domain.StatusConfirmed, ""
	if !res.Valid {
		target, reason = domain.StatusCancelled, res.Reason
		if reason == "" {
			reason = defaultValidationFailure
		}
	}

	order, applied, err := c.orders.ResolvePending(ctx, res.OrderID, target, reason)
	if err != nil {
		if xerrors.Is(err, xerrors.NotFound) {
			logger.Warn(ctx, "validation response for unknown order dropped", "order_id", res.OrderID)
			return nil
		}
		logger.Error(ctx, "failed to apply validation response", "order_id", res.OrderID, "valid", res.Valid, "error", err)
		return xerrors.Wrap(xerrors.HandlerFailure, err, "apply stock validation response")
	}
	if !applied {
		logger.Info(ctx, "stale validation response ignored",
			"order_id", res.OrderID,
			"valid", res.Valid,
			"status", order.Status,
		)
		return nil
	}

	if res.Valid {
		logger.Info(ctx, "order confirmed by stock validation", "order_id", order.ID)
		// 确认后的快照再发一次 order.created，供审计消费方使用
		c.publisher.PublishOrderCreated(ctx, order)
		return nil
	}

	logger.Info(ctx, "order cancelled by stock validation",
		"order_id", order.ID,
		"reason", reason,
		"unavailable", len(res.Unavailable),
	)
	return nil
}
