package domain

import (
	"context"
)

// StockUpdatedEvent 库存已变更
type StockUpdatedEvent struct {
	Movement StockMovement
}

// StockLowEvent 库存低于阈值
type StockLowEvent struct {
	ProductID    int64
	CurrentStock int
	Threshold    int
}

// StockOutEvent 库存耗尽
type StockOutEvent struct {
	ProductID   int64
	LastOrderID *int64
}

// OrderLine 订单中的一行，来自订单域消息
type OrderLine struct {
	ProductID int64
	Quantity  int
	Price     float64
}

// UnavailableLine 库存不足的订单行
type UnavailableLine struct {
	ProductID int64
	Requested int
	Available int
}

// ValidationResult 库存校验结果
type ValidationResult struct {
	OrderID     int64
	Valid       bool
	Reason      string
	Unavailable []UnavailableLine
}

// EventPublisher 库存域事件发布。库存变更与告警尽力发布，失败不回滚已提交的变更；
// 校验结果发布失败需要返回错误，以便请求被重新投递。
type EventPublisher interface {
	PublishStockUpdated(ctx context.Context, event StockUpdatedEvent)
	PublishStockLow(ctx context.Context, event StockLowEvent)
	PublishStockOut(ctx context.Context, event StockOutEvent)
	PublishValidationResult(ctx context.Context, result ValidationResult) error
}
