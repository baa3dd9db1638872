// Package events 订单域的消息订阅：库存校验结果
package events

import (
	"context"
	"fmt"

	"github.com/wyfcoding/fulfillment/internal/contracts"
	"github.com/wyfcoding/fulfillment/internal/order/application"
	"github.com/wyfcoding/fulfillment/pkg/mq"
)

// ValidationHandler 把 stock.validation.response 转给 saga 协调方
type ValidationHandler struct {
	coordinator *application.SagaCoordinator
}

// NewValidationHandler 创建处理器
func NewValidationHandler(coordinator *application.SagaCoordinator) *ValidationHandler {
	return &ValidationHandler{coordinator: coordinator}
}

// Subscribe 声明订单域的持久队列并开始消费
func (h *ValidationHandler) Subscribe(ctx context.Context, ch mq.Channel) error {
	binding := contracts.Bind(contracts.StockValidationResponse, contracts.QueueOrdersStockValidation)
	if err := ch.Subscribe(ctx, binding, h.HandleValidationResponse); err != nil {
		return fmt.Errorf("subscribe %s: %w", binding, err)
	}
	return nil
}

// HandleValidationResponse stock.validation.response
func (h *ValidationHandler) HandleValidationResponse(ctx context.Context, msg *mq.Message) error {
	event, err := contracts.Decode[contracts.StockValidationResponseEvent](msg)
	if err != nil {
		return err
	}
	if event.OrderID <= 0 {
		return mq.Permanent(fmt.Errorf("stock.validation.response without order id"))
	}

	res := application.StockValidationResult{
		OrderID: event.OrderID,
		Valid:   event.IsValid,
		Reason:  event.Reason,
	}
	for _, u := range event.UnavailableItems {
		res.Unavailable = append(res.Unavailable, application.UnavailableItem{
			ProductID: u.ProductID,
			Requested: u.Requested,
			Available: u.Available,
		})
	}
	return h.coordinator.HandleValidationResponse(ctx, res)
}
