package domain

import (
	"context"
	"time"
)

// ListFilter 订单查询条件，零值字段不参与过滤
type ListFilter struct {
	CustomerID int64
	Status     OrderStatus
	Limit      int
	Offset     int
}

// OrderRepository 订单仓储接口
type OrderRepository interface {
	// Create 在一个事务内写入订单与订单行，回填 id
	Create(ctx context.Context, order *Order) error
	// Get 带订单行读取，不存在时返回 nil, nil
	Get(ctx context.Context, id int64) (*Order, error)
	// Update 更新订单字段，withItems 为 true 时在同一事务内替换全部订单行
	Update(ctx context.Context, order *Order, withItems bool) error
	// UpdateStatus 仅当库中状态仍为 from 时写入新状态，返回是否写入
	UpdateStatus(ctx context.Context, order *Order, from OrderStatus) (bool, error)
	// Delete 删除订单及其订单行
	Delete(ctx context.Context, id int64) error
	// List 按创建时间倒序
	List(ctx context.Context, filter ListFilter) ([]*Order, error)
	// ListPendingBefore 创建时间早于 before 的 PENDING 订单
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}
