// Package application 库存域用例：商品目录、库存调整与告警、订单 saga 的库存响应方
package application

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/metrics"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// StockService 库存调整与查询
type StockService struct {
	repo      domain.ProductRepository
	publisher domain.EventPublisher
	policy    domain.ThresholdPolicy
	metrics   *metrics.Metrics
}

// NewStockService 创建库存服务
func NewStockService(repo domain.ProductRepository, publisher domain.EventPublisher, policy domain.ThresholdPolicy, m *metrics.Metrics) *StockService {
	return &StockService{repo: repo, publisher: publisher, policy: policy, metrics: m}
}

// AdjustStock 原子调整库存。提交后发布库存变更事件并按阈值发布告警，发布失败不影响已提交的结果。
// 同一订单的重复调整不修改库存，也不再发布事件。
func (s *StockService) AdjustStock(ctx context.Context, adj domain.Adjustment) (*domain.AdjustmentResult, error) {
	defer logger.LogDuration(ctx, "stock adjustment", "product_id", adj.ProductID, "quantity", adj.Quantity)()

	if err := adj.Validate(); err != nil {
		return nil, err
	}

	result, err := s.repo.AdjustStock(ctx, adj)
	s.metrics.RecordStockAdjustment(string(adj.Reason), err)
	if err != nil {
		if xerrors.Is(err, xerrors.InsufficientStock) {
			logger.Warn(ctx, "stock adjustment rejected", "product_id", adj.ProductID, "quantity", adj.Quantity, "reason", adj.Reason)
		}
		return nil, err
	}
	if result.Cancelled {
		logger.Info(ctx, "order already cancelled, reservation skipped",
			"product_id", adj.ProductID,
			"order_id", derefID(adj.OrderID),
		)
		return result, nil
	}
	if !result.Applied {
		logger.Info(ctx, "stock adjustment already applied",
			"product_id", adj.ProductID,
			"order_id", derefID(adj.OrderID),
			"reason", adj.Reason,
		)
		return result, nil
	}

	s.committed(ctx, result.Movement)
	return result, nil
}

// CancelReservation 订单取消时按预留流水归还库存。
// 尚未预留时留下取消标记，随后到达的预留不再扣减库存。
func (s *StockService) CancelReservation(ctx context.Context, productID, orderID int64) (*domain.AdjustmentResult, error) {
	result, err := s.repo.CancelReservation(ctx, orderID, productID)
	s.metrics.RecordStockAdjustment(string(domain.ReasonOrderCancelled), err)
	if err != nil {
		return nil, err
	}
	if !result.Applied {
		logger.Debug(ctx, "no reservation to restore", "order_id", orderID, "product_id", productID)
		return result, nil
	}
	s.committed(ctx, result.Movement)
	return result, nil
}

func (s *StockService) committed(ctx context.Context, mv domain.StockMovement) {
	logger.Info(ctx, "stock adjusted",
		"product_id", mv.ProductID,
		"old_stock", mv.OldStock,
		"new_stock", mv.NewStock,
		"reason", mv.Reason,
	)

	s.publisher.PublishStockUpdated(ctx, domain.StockUpdatedEvent{Movement: mv})
	s.raiseAlert(ctx, mv)
}

func (s *StockService) raiseAlert(ctx context.Context, mv domain.StockMovement) {
	switch s.policy.Evaluate(mv.NewStock) {
	case domain.AlertOutOfStock:
		s.metrics.RecordStockAlert(string(domain.AlertOutOfStock))
		logger.Warn(ctx, "product out of stock", "product_id", mv.ProductID)
		s.publisher.PublishStockOut(ctx, domain.StockOutEvent{ProductID: mv.ProductID, LastOrderID: mv.OrderID})
	case domain.AlertLowStock:
		s.metrics.RecordStockAlert(string(domain.AlertLowStock))
		s.publisher.PublishStockLow(ctx, domain.StockLowEvent{
			ProductID:    mv.ProductID,
			CurrentStock: mv.NewStock,
			Threshold:    s.policy.LowThreshold,
		})
	}
}

// ReserveStock 订单确认时扣减库存
func (s *StockService) ReserveStock(ctx context.Context, productID int64, quantity int, orderID int64) (*domain.AdjustmentResult, error) {
	if quantity <= 0 {
		return nil, xerrors.New(xerrors.Validation, "reserve quantity must be positive")
	}
	return s.AdjustStock(ctx, domain.Adjustment{
		ProductID: productID,
		Quantity:  -quantity,
		Reason:    domain.ReasonOrderConfirmed,
		OrderID:   &orderID,
	})
}

// GetStockLevel 当前库存
func (s *StockService) GetStockLevel(ctx context.Context, productID int64) (int, error) {
	p, err := s.repo.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, xerrors.Newf(xerrors.NotFound, "product %d not found", productID)
	}
	return p.Stock, nil
}

// ListLowStock 库存大于 0 且不高于阈值的商品
func (s *StockService) ListLowStock(ctx context.Context) ([]*domain.Product, error) {
	return s.repo.ListLowStock(ctx, s.policy.LowThreshold)
}

// ListOutOfStock 库存耗尽的商品
func (s *StockService) ListOutOfStock(ctx context.Context) ([]*domain.Product, error) {
	return s.repo.ListOutOfStock(ctx)
}

// LowThreshold 当前低库存阈值
func (s *StockService) LowThreshold() int {
	return s.policy.LowThreshold
}

func derefID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
