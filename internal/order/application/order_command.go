// Package application 订单域用例：下单、状态流转、订单行维护，以及订单 saga 的协调方
package application

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/metrics"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// CreateOrderCommand 下单命令
type CreateOrderCommand struct {
	CustomerID int64
	Items      []domain.OrderItem
	Details    domain.Details
}

// UpdateOrderCommand 订单信息更新命令。Items 为 nil 时保留原订单行。
type UpdateOrderCommand struct {
	OrderID int64
	Details domain.Details
	Items   []domain.OrderItem
}

// OrderCommandService 处理订单相关的命令操作
type OrderCommandService struct {
	repo      domain.OrderRepository
	publisher domain.EventPublisher
	metrics   *metrics.Metrics
}

// NewOrderCommandService 创建新的 OrderCommandService 实例
func NewOrderCommandService(repo domain.OrderRepository, publisher domain.EventPublisher, m *metrics.Metrics) *OrderCommandService {
	return &OrderCommandService{repo: repo, publisher: publisher, metrics: m}
}

// CreateOrder 下单。订单与订单行在一个事务内写入，提交后发布 order.created 与库存校验请求。
func (s *OrderCommandService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, error) {
	defer logger.LogDuration(ctx, "create order", "customer_id", cmd.CustomerID)()

	order, err := domain.NewOrder(cmd.CustomerID, cmd.Items, cmd.Details)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, order); err != nil {
		order.PullEvents()
		return nil, err
	}

	logger.Info(ctx, "order created",
		"order_id", order.ID,
		"customer_id", order.CustomerID,
		"items", len(order.Items),
		"total", order.TotalAmount.String(),
	)
	s.dispatch(ctx, order.PullEvents())
	return order, nil
}

// UpdateStatus 按状态机流转订单。目标状态与当前相同时直接返回订单，不发布事件。
func (s *OrderCommandService) UpdateStatus(ctx context.Context, orderID int64, status domain.OrderStatus, reason string) (*domain.Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	from := order.Status
	changed, err := order.TransitionTo(status, reason)
	if err != nil {
		return nil, err
	}
	if !changed {
		logger.Debug(ctx, "order already in requested status", "order_id", orderID, "status", status)
		return order, nil
	}

	ok, err := s.repo.UpdateStatus(ctx, order, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.Newf(xerrors.InvalidTransition, "order %d status changed concurrently", orderID)
	}

	s.dispatch(ctx, order.PullEvents())
	return order, nil
}

// ResolvePending 仅当订单仍为 PENDING 时流转，返回是否由本次调用完成流转。
// 订单已离开 PENDING 或并发流转失败时不返回错误。
func (s *OrderCommandService) ResolvePending(ctx context.Context, orderID int64, status domain.OrderStatus, reason string) (*domain.Order, bool, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if order.Status != domain.StatusPending {
		return order, false, nil
	}

	if _, err := order.TransitionTo(status, reason); err != nil {
		return nil, false, err
	}
	ok, err := s.repo.UpdateStatus(ctx, order, domain.StatusPending)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		order.PullEvents()
		logger.Info(ctx, "pending order resolved concurrently", "order_id", orderID, "target", status)
		return order, false, nil
	}

	s.dispatch(ctx, order.PullEvents())
	return order, true, nil
}

// ReplaceItems 在一个事务内替换全部订单行并重算总额
func (s *OrderCommandService) ReplaceItems(ctx context.Context, orderID int64, items []domain.OrderItem) (*domain.Order, error) {
	return s.UpdateOrder(ctx, UpdateOrderCommand{OrderID: orderID, Items: items})
}

// UpdateOrder 更新订单的文本字段，Items 非 nil 时一并替换订单行
func (s *OrderCommandService) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (*domain.Order, error) {
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}

	withItems := cmd.Items != nil
	if withItems {
		if err := order.ReplaceItems(cmd.Items); err != nil {
			return nil, err
		}
	}
	order.UpdateDetails(cmd.Details)

	if err := s.repo.Update(ctx, order, withItems); err != nil {
		return nil, err
	}
	logger.Info(ctx, "order updated", "order_id", order.ID, "items_replaced", withItems, "total", order.TotalAmount.String())
	return order, nil
}

// DeleteOrder 删除订单，只允许 PENDING 与 CANCELLED 状态
func (s *OrderCommandService) DeleteOrder(ctx context.Context, orderID int64) error {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.CanDelete() {
		return xerrors.Newf(xerrors.InvalidOperation, "order %d in status %s cannot be deleted", orderID, order.Status)
	}
	if err := s.repo.Delete(ctx, orderID); err != nil {
		return err
	}
	logger.Info(ctx, "order deleted", "order_id", orderID, "status", order.Status)
	return nil
}

func (s *OrderCommandService) load(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, xerrors.Newf(xerrors.NotFound, "order %d not found", orderID)
	}
	return order, nil
}

// dispatch 提交后发布事件
func (s *OrderCommandService) dispatch(ctx context.Context, events []domain.Event) {
	for _, e := range events {
		switch ev := e.(type) {
		case domain.OrderCreatedEvent:
			s.publisher.PublishOrderCreated(ctx, ev.Order)
			s.publisher.PublishStockValidationRequest(ctx, ev.Order)
		case domain.OrderConfirmedEvent:
			s.publisher.PublishOrderConfirmed(ctx, ev.Order)
		case domain.OrderCancelledEvent:
			s.publisher.PublishOrderCancelled(ctx, ev.Order, ev.Reason)
		case domain.OrderStatusChangedEvent:
			s.metrics.RecordTransition(string(ev.From), string(ev.To))
			logger.Info(ctx, "order status changed", "order_id", ev.Order.ID, "from", ev.From, "to", ev.To)
		}
	}
}
