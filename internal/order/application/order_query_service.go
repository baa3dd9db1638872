package application

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// OrderQueryService 处理所有订单相关的查询操作
type OrderQueryService struct {
	repo domain.OrderRepository
}

// NewOrderQueryService 构造函数
func NewOrderQueryService(repo domain.OrderRepository) *OrderQueryService {
	return &OrderQueryService{repo: repo}
}

// GetOrder 带订单行读取订单
func (s *OrderQueryService) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, xerrors.Newf(xerrors.NotFound, "order %d not found", orderID)
	}
	return order, nil
}

// ListOrders 按创建时间倒序，客户与状态为可选条件
func (s *OrderQueryService) ListOrders(ctx context.Context, filter domain.ListFilter) ([]*domain.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, xerrors.Newf(xerrors.Validation, "unknown order status %q", filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// ListOrdersByCustomer 某客户的全部订单
func (s *OrderQueryService) ListOrdersByCustomer(ctx context.Context, customerID int64) ([]*domain.Order, error) {
	return s.ListOrders(ctx, domain.ListFilter{CustomerID: customerID})
}

// ListOrdersByStatus 某状态的全部订单
func (s *OrderQueryService) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error) {
	return s.ListOrders(ctx, domain.ListFilter{Status: status})
}

// CalculateOrderTotal 按库中订单行重新计算总额
func (s *OrderQueryService) CalculateOrderTotal(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.CalculateTotal(order.Items), nil
}
