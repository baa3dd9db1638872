package mysql

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
)

// ProductModel products 表
type ProductModel struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	Label       string          `gorm:"column:label;type:varchar(255);not null"`
	Description string          `gorm:"column:description;type:text"`
	Price       decimal.Decimal `gorm:"column:price;type:decimal(10,2);not null"`
	Stock       int             `gorm:"column:stock;not null;default:0;index"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

// TableName 指定表名
func (ProductModel) TableName() string { return "products" }

// StockMovementModel stock_movements 表。order_id 可为空，手工调整不参与唯一约束。
type StockMovementModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	ProductID int64     `gorm:"column:product_id;not null;index;uniqueIndex:uk_movement_order_product_reason,priority:2"`
	OrderID   *int64    `gorm:"column:order_id;uniqueIndex:uk_movement_order_product_reason,priority:1"`
	Reason    string    `gorm:"column:reason;type:varchar(32);not null;uniqueIndex:uk_movement_order_product_reason,priority:3"`
	Quantity  int       `gorm:"column:quantity;not null"`
	OldStock  int       `gorm:"column:old_stock;not null"`
	NewStock  int       `gorm:"column:new_stock;not null"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

// TableName 指定表名
func (StockMovementModel) TableName() string { return "stock_movements" }

func toProductModel(p *domain.Product) *ProductModel {
	return &ProductModel{
		ID:          p.ID,
		Label:       p.Label,
		Description: p.Description,
		Price:       p.Price,
		Stock:       p.Stock,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toProduct(m *ProductModel) *domain.Product {
	return &domain.Product{
		ID:          m.ID,
		Label:       m.Label,
		Description: m.Description,
		Price:       m.Price,
		Stock:       m.Stock,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toMovement(m *StockMovementModel) domain.StockMovement {
	return domain.StockMovement{
		ID:        m.ID,
		ProductID: m.ProductID,
		OrderID:   m.OrderID,
		Reason:    domain.StockReason(m.Reason),
		Quantity:  m.Quantity,
		OldStock:  m.OldStock,
		NewStock:  m.NewStock,
		CreatedAt: m.CreatedAt,
	}
}
