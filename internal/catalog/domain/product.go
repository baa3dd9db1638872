// Package domain 库存域模型：商品、库存变动流水与阈值告警规则
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// Product 商品及其库存
type Product struct {
	ID          int64
	Label       string
	Description string
	Price       decimal.Decimal
	// Stock 当前库存，任何时刻不小于 0
	Stock     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewProduct 创建商品，初始库存即入库数量
func NewProduct(label, description string, price decimal.Decimal, stock int) (*Product, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, xerrors.New(xerrors.Validation, "product label is required")
	}
	if price.IsNegative() {
		return nil, xerrors.New(xerrors.Validation, "price must not be negative")
	}
	if stock < 0 {
		return nil, xerrors.New(xerrors.Validation, "initial stock must not be negative")
	}
	return &Product{
		Label:       label,
		Description: description,
		Price:       price.Round(2),
		Stock:       stock,
	}, nil
}

// ApplyDelta 按带符号数量调整库存。结果为负时返回 InsufficientStock，库存保持不变。
func (p *Product) ApplyDelta(delta int) (oldStock, newStock int, err error) {
	oldStock = p.Stock
	newStock = oldStock + delta
	if newStock < 0 {
		return oldStock, oldStock, xerrors.Newf(xerrors.InsufficientStock,
			"insufficient stock for product %d: available %d, requested %d", p.ID, oldStock, -delta)
	}
	p.Stock = newStock
	return oldStock, newStock, nil
}

// CanFulfill 当前库存是否满足需求量
func (p *Product) CanFulfill(quantity int) bool {
	return p.Stock >= quantity
}
