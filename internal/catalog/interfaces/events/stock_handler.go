// Package events 库存域的消息订阅：订单确认/取消的库存补偿与库存校验请求
package events

import (
	"context"
	"fmt"

	"github.com/wyfcoding/fulfillment/internal/catalog/application"
	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/internal/contracts"
	"github.com/wyfcoding/fulfillment/pkg/mq"
)

// StockHandler 把订单域消息转给库存响应方和校验器
type StockHandler struct {
	responder *application.StockSagaResponder
	validator *application.StockValidator
}

// NewStockHandler 创建处理器
func NewStockHandler(responder *application.StockSagaResponder, validator *application.StockValidator) *StockHandler {
	return &StockHandler{responder: responder, validator: validator}
}

// Subscribe 声明库存域的三个持久队列并开始消费
func (h *StockHandler) Subscribe(ctx context.Context, ch mq.Channel) error {
	subs := []struct {
		binding mq.Binding
		handler mq.Handler
	}{
		{contracts.Bind(contracts.OrderConfirmed, contracts.QueueInventoryOrderConfirmed), h.HandleOrderConfirmed},
		{contracts.Bind(contracts.OrderCancelled, contracts.QueueInventoryOrderCancelled), h.HandleOrderCancelled},
		{contracts.Bind(contracts.StockValidationRequest, contracts.QueueInventoryStockValidation), h.HandleValidationRequest},
	}
	for _, s := range subs {
		if err := ch.Subscribe(ctx, s.binding, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.binding, err)
		}
	}
	return nil
}

// HandleOrderConfirmed order.confirmed
func (h *StockHandler) HandleOrderConfirmed(ctx context.Context, msg *mq.Message) error {
	event, err := contracts.Decode[contracts.OrderConfirmedEvent](msg)
	if err != nil {
		return err
	}
	if event.OrderID <= 0 {
		return mq.Permanent(fmt.Errorf("order.confirmed without order id"))
	}
	return h.responder.HandleOrderConfirmed(ctx, event.OrderID, toLines(event.Items))
}

// HandleOrderCancelled order.cancelled
func (h *StockHandler) HandleOrderCancelled(ctx context.Context, msg *mq.Message) error {
	event, err := contracts.Decode[contracts.OrderCancelledEvent](msg)
	if err != nil {
		return err
	}
	if event.OrderID <= 0 {
		return mq.Permanent(fmt.Errorf("order.cancelled without order id"))
	}
	return h.responder.HandleOrderCancelled(ctx, event.OrderID, toLines(event.Items))
}

// HandleValidationRequest stock.validation.request
func (h *StockHandler) HandleValidationRequest(ctx context.Context, msg *mq.Message) error {
	event, err := contracts.Decode[contracts.StockValidationRequestEvent](msg)
	if err != nil {
		return err
	}
	if event.OrderID <= 0 {
		return mq.Permanent(fmt.Errorf("stock.validation.request without order id"))
	}
	return h.validator.HandleValidationRequest(ctx, event.OrderID, toLines(event.Items))
}

func toLines(items []contracts.OrderItem) []domain.OrderLine {
	lines := make([]domain.OrderLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, domain.OrderLine{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price})
	}
	return lines
}
