// Package domain 订单域模型：订单、订单行与状态机
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// DefaultCancelReason 未提供原因时取消订单记录的原因
const DefaultCancelReason = "Status updated to cancelled"

// OrderItem 订单行。单价在下单时确定，之后不再从库存域读取。
type OrderItem struct {
	ID                 int64
	OrderID            int64
	ProductID          int64
	Quantity           int
	UnitPrice          decimal.Decimal
	ProductName        string
	ProductDescription string
}

// LineTotal 行金额
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Details 订单的自由文本信息
type Details struct {
	Notes           string
	ShippingAddress string
	BillingAddress  string
}

// Order 订单聚合根
type Order struct {
	ID         int64
	CustomerID int64
	Items      []OrderItem
	// TotalAmount 由订单行推导，每次订单行变化后重算
	TotalAmount     decimal.Decimal
	Status          OrderStatus
	Notes           string
	ShippingAddress string
	BillingAddress  string
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	events []Event
}

// NewOrder 创建 PENDING 订单并记录创建事件
func NewOrder(customerID int64, items []OrderItem, details Details) (*Order, error) {
	if customerID <= 0 {
		return nil, xerrors.New(xerrors.Validation, "customer id must be a positive identifier")
	}
	if err := ValidateItems(items); err != nil {
		return nil, err
	}

	o := &Order{
		CustomerID:      customerID,
		Status:          StatusPending,
		Notes:           details.Notes,
		ShippingAddress: details.ShippingAddress,
		BillingAddress:  details.BillingAddress,
	}
	o.setItems(items)
	o.record(OrderCreatedEvent{Order: o})
	return o, nil
}

// ValidateItems 订单行非空，商品 id 为正且不重复，数量至少为 1，单价不为负
func ValidateItems(items []OrderItem) error {
	if len(items) == 0 {
		return xerrors.New(xerrors.Validation, "order must contain at least one item")
	}
	seen := make(map[int64]struct{}, len(items))
	for _, it := range items {
		if it.ProductID <= 0 {
			return xerrors.New(xerrors.Validation, "product id must be a positive identifier")
		}
		if it.Quantity < 1 {
			return xerrors.Newf(xerrors.Validation, "quantity for product %d must be at least 1", it.ProductID)
		}
		if it.UnitPrice.IsNegative() {
			return xerrors.Newf(xerrors.Validation, "price for product %d must not be negative", it.ProductID)
		}
		if _, dup := seen[it.ProductID]; dup {
			return xerrors.Newf(xerrors.Validation, "product %d appears more than once", it.ProductID)
		}
		seen[it.ProductID] = struct{}{}
	}
	return nil
}

// ReplaceItems 整体替换订单行并重算总额
func (o *Order) ReplaceItems(items []OrderItem) error {
	if err := ValidateItems(items); err != nil {
		return err
	}
	o.setItems(items)
	return nil
}

// UpdateDetails 更新非空字段
func (o *Order) UpdateDetails(d Details) {
	if d.Notes != "" {
		o.Notes = d.Notes
	}
	if d.ShippingAddress != "" {
		o.ShippingAddress = d.ShippingAddress
	}
	if d.BillingAddress != "" {
		o.BillingAddress = d.BillingAddress
	}
}

func (o *Order) setItems(items []OrderItem) {
	o.Items = make([]OrderItem, len(items))
	for i, it := range items {
		it.ID = 0
		it.OrderID = o.ID
		it.UnitPrice = it.UnitPrice.Round(2)
		o.Items[i] = it
	}
	o.TotalAmount = CalculateTotal(o.Items)
}

// CalculateTotal 各行数量 × 单价之和
func CalculateTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal())
	}
	return total.Round(2)
}

// TransitionTo 按状态机流转。目标状态与当前相同时不做任何事并返回 false。
// 进入 CONFIRMED 记录确认事件，进入 CANCELLED 记录原因与取消事件。
func (o *Order) TransitionTo(to OrderStatus, reason string) (bool, error) {
	if !to.Valid() {
		return false, xerrors.Newf(xerrors.Validation, "unknown order status %q", to)
	}
	if o.Status == to {
		return false, nil
	}
	if !CanTransition(o.Status, to) {
		return false, xerrors.Newf(xerrors.InvalidTransition, "cannot transition order %d from %s to %s", o.ID, o.Status, to)
	}

	from := o.Status
	o.Status = to
	switch to {
	case StatusConfirmed:
		o.record(OrderConfirmedEvent{Order: o})
	case StatusCancelled:
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = DefaultCancelReason
		}
		o.CancelReason = reason
		o.record(OrderCancelledEvent{Order: o, Reason: reason})
	}
	o.record(OrderStatusChangedEvent{Order: o, From: from, To: to})
	return true, nil
}

// CanDelete 只有 PENDING 与 CANCELLED 订单可以删除
func (o *Order) CanDelete() bool {
	return o.Status == StatusPending || o.Status == StatusCancelled
}

func (o *Order) record(e Event) {
	o.events = append(o.events, e)
}

// PullEvents 取出并清空待发布事件，应在事务提交后调用
func (o *Order) PullEvents() []Event {
	events := o.events
	o.events = nil
	return events
}
