package domain

import (
	"time"

	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// StockReason 库存变动原因
type StockReason string

const (
	ReasonOrderConfirmed   StockReason = "order_confirmed"
	ReasonOrderCancelled   StockReason = "order_cancelled"
	ReasonManualAdjustment StockReason = "manual_adjustment"
	ReasonOther            StockReason = "other"
)

// Valid 是否为已知原因
func (r StockReason) Valid() bool {
	switch r {
	case ReasonOrderConfirmed, ReasonOrderCancelled, ReasonManualAdjustment, ReasonOther:
		return true
	}
	return false
}

// Adjustment 一次库存调整请求
type Adjustment struct {
	ProductID int64
	// Quantity 正数补货，负数消耗
	Quantity int
	Reason   StockReason
	// OrderID 关联订单，可为空
	OrderID *int64
}

// Validate 校验调整请求
func (a Adjustment) Validate() error {
	if a.ProductID <= 0 {
		return xerrors.New(xerrors.Validation, "product id must be positive")
	}
	if a.Quantity == 0 {
		return xerrors.New(xerrors.Validation, "quantity must not be zero")
	}
	if !a.Reason.Valid() {
		return xerrors.Newf(xerrors.Validation, "unknown stock reason %q", a.Reason)
	}
	return nil
}

// StockMovement 已提交的库存变动流水。
// 关联订单的流水在 (OrderID, ProductID, Reason) 上唯一，同一订单的预留或归还只会生效一次。
type StockMovement struct {
	ID        int64
	ProductID int64
	OrderID   *int64
	Reason    StockReason
	Quantity  int
	OldStock  int
	NewStock  int
	CreatedAt time.Time
}

// AdjustmentResult 调整结果。Applied 为 false 表示本次未修改库存：
// 同一订单的变动已经存在，或者（Cancelled 为 true）订单已先行取消，预留被跳过。
type AdjustmentResult struct {
	Movement  StockMovement
	Applied   bool
	Cancelled bool
}

// AlertKind 库存告警类型
type AlertKind string

const (
	AlertNone       AlertKind = ""
	AlertLowStock   AlertKind = "low_stock"
	AlertOutOfStock AlertKind = "out_of_stock"
)

// DefaultLowStockThreshold 默认低库存阈值
const DefaultLowStockThreshold = 10

// ThresholdPolicy 库存阈值规则
type ThresholdPolicy struct {
	LowThreshold int
}

// NewThresholdPolicy 阈值非正时使用默认值
func NewThresholdPolicy(low int) ThresholdPolicy {
	if low <= 0 {
		low = DefaultLowStockThreshold
	}
	return ThresholdPolicy{LowThreshold: low}
}

// Evaluate 缺货优先于低库存，同一次变动只产生一种告警
func (p ThresholdPolicy) Evaluate(stock int) AlertKind {
	switch {
	case stock <= 0:
		return AlertOutOfStock
	case stock <= p.LowThreshold:
		return AlertLowStock
	default:
		return AlertNone
	}
}
