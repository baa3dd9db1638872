package mysql

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
)

// OrderModel orders 表映射
type OrderModel struct {
	ID              int64            `gorm:"primaryKey;autoIncrement"`
	CustomerID      int64            `gorm:"column:customer_id;not null;index"`
	TotalAmount     decimal.Decimal  `gorm:"column:total_amount;type:decimal(10,2);not null"`
	Status          string           `gorm:"column:status;type:varchar(20);not null;index"`
	Notes           string           `gorm:"column:notes;type:text"`
	ShippingAddress string           `gorm:"column:shipping_address;type:text"`
	BillingAddress  string           `gorm:"column:billing_address;type:text"`
	CancelReason    string           `gorm:"column:cancel_reason;type:varchar(255)"`
	CreatedAt       time.Time        `gorm:"column:created_at;index"`
	UpdatedAt       time.Time        `gorm:"column:updated_at"`
	Items           []OrderItemModel `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

// TableName 指定表名
func (OrderModel) TableName() string { return "orders" }

// OrderItemModel order_items 表映射。product_id 只是对库存域的弱引用，没有外键。
type OrderItemModel struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement"`
	OrderID            int64           `gorm:"column:order_id;not null;uniqueIndex:uk_order_item_product,priority:1"`
	ProductID          int64           `gorm:"column:product_id;not null;uniqueIndex:uk_order_item_product,priority:2"`
	Quantity           int             `gorm:"column:quantity;not null"`
	UnitPrice          decimal.Decimal `gorm:"column:unit_price;type:decimal(10,2);not null"`
	ProductName        string          `gorm:"column:product_name;type:varchar(255)"`
	ProductDescription string          `gorm:"column:product_description;type:text"`
}

// TableName 指定表名
func (OrderItemModel) TableName() string { return "order_items" }

func toOrderModel(o *domain.Order) *OrderModel {
	m := &OrderModel{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		TotalAmount:     o.TotalAmount,
		Status:          string(o.Status),
		Notes:           o.Notes,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		CancelReason:    o.CancelReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	m.Items = toItemModels(o.ID, o.Items)
	return m
}

func toItemModels(orderID int64, items []domain.OrderItem) []OrderItemModel {
	out := make([]OrderItemModel, len(items))
	for i, it := range items {
		out[i] = OrderItemModel{
			OrderID:            orderID,
			ProductID:          it.ProductID,
			Quantity:           it.Quantity,
			UnitPrice:          it.UnitPrice,
			ProductName:        it.ProductName,
			ProductDescription: it.ProductDescription,
		}
	}
	return out
}

func toOrder(m *OrderModel) *domain.Order {
	o := &domain.Order{
		ID:              m.ID,
		CustomerID:      m.CustomerID,
		TotalAmount:     m.TotalAmount,
		Status:          domain.OrderStatus(m.Status),
		Notes:           m.Notes,
		ShippingAddress: m.ShippingAddress,
		BillingAddress:  m.BillingAddress,
		CancelReason:    m.CancelReason,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		Items:           make([]domain.OrderItem, len(m.Items)),
	}
	for i, it := range m.Items {
		o.Items[i] = domain.OrderItem{
			ID:                 it.ID,
			OrderID:            it.OrderID,
			ProductID:          it.ProductID,
			Quantity:           it.Quantity,
			UnitPrice:          it.UnitPrice,
			ProductName:        it.ProductName,
			ProductDescription: it.ProductDescription,
		}
	}
	return o
}
