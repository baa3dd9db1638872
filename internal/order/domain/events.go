package domain

import "context"

// Event 订单域事件。事件持有订单指针，发布时读取的是提交后的订单快照。
type Event interface {
	EventName() string
}

// OrderCreatedEvent 订单已创建，订单 saga 由此开始
type OrderCreatedEvent struct {
	Order *Order
}

// OrderConfirmedEvent 订单进入 CONFIRMED
type OrderConfirmedEvent struct {
	Order *Order
}

// OrderCancelledEvent 订单进入 CANCELLED
type OrderCancelledEvent struct {
	Order  *Order
	Reason string
}

// OrderStatusChangedEvent 任意状态变化，只用于日志与指标
type OrderStatusChangedEvent struct {
	Order *Order
	From  OrderStatus
	To    OrderStatus
}

func (OrderCreatedEvent) EventName() string       { return "order.created" }
func (OrderConfirmedEvent) EventName() string     { return "order.confirmed" }
func (OrderCancelledEvent) EventName() string     { return "order.cancelled" }
func (OrderStatusChangedEvent) EventName() string { return "order.status_changed" }

// EventPublisher 订单域消息发布。提交后调用，失败只记录日志并暂存，不返回给调用方。
type EventPublisher interface {
	// PublishOrderCreated 发布订单创建事件
	PublishOrderCreated(ctx context.Context, order *Order)
	// PublishOrderConfirmed 发布订单确认事件
	PublishOrderConfirmed(ctx context.Context, order *Order)
	// PublishOrderCancelled 发布订单取消事件
	PublishOrderCancelled(ctx context.Context, order *Order, reason string)
	// PublishStockValidationRequest 请求库存域校验订单行
	PublishStockValidationRequest(ctx context.Context, order *Order)
}
