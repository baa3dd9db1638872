package domain

import "context"

// ProductRepository 商品与库存仓储
type ProductRepository interface {
	// Save 新建或更新商品基本信息
	Save(ctx context.Context, product *Product) error
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, id int64) (*Product, error)
	// GetMany 批量读取，缺失的 id 不出现在结果中
	GetMany(ctx context.Context, ids []int64) (map[int64]*Product, error)
	List(ctx context.Context, offset, limit int) ([]*Product, int64, error)
	// ListLowStock 库存在 (0, threshold] 区间的商品
	ListLowStock(ctx context.Context, threshold int) ([]*Product, error)
	// ListOutOfStock 库存小于等于 0 的商品
	ListOutOfStock(ctx context.Context) ([]*Product, error)
	// AdjustStock 在单个事务内锁定商品行、应用调整并写入流水
	AdjustStock(ctx context.Context, adj Adjustment) (*AdjustmentResult, error)
	// CancelReservation 在单个事务内按预留流水归还库存，尚无预留时写入取消标记
	CancelReservation(ctx context.Context, orderID, productID int64) (*AdjustmentResult, error)
	// FindMovement 查找订单相关的流水，不存在时返回 nil, nil
	FindMovement(ctx context.Context, orderID, productID int64, reason StockReason) (*StockMovement, error)
}
