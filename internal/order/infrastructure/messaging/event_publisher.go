// Package messaging 把订单域事件映射为 orders.events / products.events 上的消息
package messaging

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/contracts"
	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/outbox"
)

type eventPublisher struct {
	dispatcher *outbox.Dispatcher
}

// NewEventPublisher 所有订单事件经 dispatcher 发布，失败时暂存到发件箱，不返回给调用方
func NewEventPublisher(dispatcher *outbox.Dispatcher) domain.EventPublisher {
	return &eventPublisher{dispatcher: dispatcher}
}

func (p *eventPublisher) PublishOrderCreated(ctx context.Context, order *domain.Order) {
	p.dispatch(ctx, contracts.OrderCreatedEvent{
		Envelope:        contracts.NewEnvelope(contracts.OrderCreated, contracts.SourceOrders),
		OrderID:         order.ID,
		CustomerID:      order.CustomerID,
		Status:          string(order.Status),
		TotalAmount:     order.TotalAmount.InexactFloat64(),
		Items:           toItems(order.Items),
		ShippingAddress: order.ShippingAddress,
		Notes:           order.Notes,
	})
}

func (p *eventPublisher) PublishOrderConfirmed(ctx context.Context, order *domain.Order) {
	p.dispatch(ctx, contracts.OrderConfirmedEvent{
		Envelope:   contracts.NewEnvelope(contracts.OrderConfirmed, contracts.SourceOrders),
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Items:      toItems(order.Items),
	})
}

func (p *eventPublisher) PublishOrderCancelled(ctx context.Context, order *domain.Order, reason string) {
	p.dispatch(ctx, contracts.OrderCancelledEvent{
		Envelope:   contracts.NewEnvelope(contracts.OrderCancelled, contracts.SourceOrders),
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Items:      toItems(order.Items),
		Reason:     reason,
	})
}

func (p *eventPublisher) PublishStockValidationRequest(ctx context.Context, order *domain.Order) {
	p.dispatch(ctx, contracts.StockValidationRequestEvent{
		Envelope:    contracts.NewEnvelope(contracts.StockValidationRequest, contracts.SourceOrders),
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		Items:       toItems(order.Items),
		TotalAmount: order.TotalAmount.InexactFloat64(),
	})
}

func (p *eventPublisher) dispatch(ctx context.Context, event contracts.Event) {
	msg, err := contracts.ToMessage(event)
	if err != nil {
		logger.Error(ctx, "failed to encode event", "error", err)
		return
	}
	p.dispatcher.Dispatch(ctx, msg)
}

func toItems(items []domain.OrderItem) []contracts.OrderItem {
	out := make([]contracts.OrderItem, len(items))
	for i, it := range items {
		out[i] = contracts.OrderItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.UnitPrice.InexactFloat64(),
			LineTotal: it.LineTotal().InexactFloat64(),
		}
	}
	return out
}
