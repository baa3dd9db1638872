// Package mysql 提供了订单仓储接口的 GORM 实现，支持 MySQL 与 PostgreSQL。
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// AutoMigrate 创建订单域的表
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&OrderModel{}, &OrderItemModel{})
}

// orderRepositoryImpl 是 domain.OrderRepository 接口的 GORM 实现。
type orderRepositoryImpl struct {
	db *gorm.DB
}

// NewOrderRepository 创建订单仓储实例
func NewOrderRepository(db *gorm.DB) domain.OrderRepository {
	return &orderRepositoryImpl{db: db}
}

// Create 实现 domain.OrderRepository.Create
func (r *orderRepositoryImpl) Create(ctx context.Context, order *domain.Order) error {
	model := toOrderModel(order)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(model).Error
	})
	if err != nil {
		logger.Error(ctx, "order_repository.create failed", "customer_id", order.CustomerID, "error", err)
		return fmt.Errorf("failed to create order: %w", err)
	}
	order.ID = model.ID
	order.CreatedAt = model.CreatedAt
	order.UpdatedAt = model.UpdatedAt
	copyItemIDs(order, model.Items)
	return nil
}

// Get 实现 domain.OrderRepository.Get
func (r *orderRepositoryImpl) Get(ctx context.Context, id int64) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id asc") }).
		First(&model, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.Error(ctx, "order_repository.get failed", "order_id", id, "error", err)
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return toOrder(&model), nil
}

// Update 实现 domain.OrderRepository.Update
func (r *orderRepositoryImpl) Update(ctx context.Context, order *domain.Order, withItems bool) error {
	now := time.Now().UTC()
	var items []OrderItemModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&OrderModel{}).Where("id = ?", order.ID).Updates(map[string]any{
			"notes":            order.Notes,
			"shipping_address": order.ShippingAddress,
			"billing_address":  order.BillingAddress,
			"total_amount":     order.TotalAmount,
			"updated_at":       now,
		}).Error
		if err != nil {
			return err
		}
		if !withItems {
			return nil
		}
		if err := tx.Where("order_id = ?", order.ID).Delete(&OrderItemModel{}).Error; err != nil {
			return err
		}
		items = toItemModels(order.ID, order.Items)
		return tx.Create(&items).Error
	})
	if err != nil {
		logger.Error(ctx, "order_repository.update failed", "order_id", order.ID, "error", err)
		return fmt.Errorf("failed to update order: %w", err)
	}
	order.UpdatedAt = now
	if withItems {
		copyItemIDs(order, items)
	}
	return nil
}

// UpdateStatus 实现 domain.OrderRepository.UpdateStatus，以库中状态做比较交换
func (r *orderRepositoryImpl) UpdateStatus(ctx context.Context, order *domain.Order, from domain.OrderStatus) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("id = ? AND status = ?", order.ID, string(from)).
		Updates(map[string]any{
			"status":        string(order.Status),
			"cancel_reason": order.CancelReason,
			"updated_at":    now,
		})
	if res.Error != nil {
		logger.Error(ctx, "order_repository.update_status failed", "order_id", order.ID, "error", res.Error)
		return false, fmt.Errorf("failed to update order status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	order.UpdatedAt = now
	return true, nil
}

// Delete 实现 domain.OrderRepository.Delete
func (r *orderRepositoryImpl) Delete(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", id).Delete(&OrderItemModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&OrderModel{}, id).Error
	})
	if err != nil {
		logger.Error(ctx, "order_repository.delete failed", "order_id", id, "error", err)
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// List 实现 domain.OrderRepository.List
func (r *orderRepositoryImpl) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Order, error) {
	db := r.db.WithContext(ctx).Model(&OrderModel{})
	if filter.CustomerID > 0 {
		db = db.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.Status != "" {
		db = db.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		db = db.Limit(filter.Limit).Offset(filter.Offset)
	}
	var models []OrderModel
	err := db.Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id asc") }).
		Order("created_at desc, id desc").
		Find(&models).Error
	if err != nil {
		logger.Error(ctx, "order_repository.list failed", "customer_id", filter.CustomerID, "error", err)
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return toOrders(models), nil
}

// ListPendingBefore 实现 domain.OrderRepository.ListPendingBefore
func (r *orderRepositoryImpl) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("status = ? AND created_at < ?", string(domain.StatusPending), before).
		Order("created_at asc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	return toOrders(models), nil
}

func toOrders(models []OrderModel) []*domain.Order {
	out := make([]*domain.Order, len(models))
	for i := range models {
		out[i] = toOrder(&models[i])
	}
	return out
}

func copyItemIDs(order *domain.Order, items []OrderItemModel) {
	for i := range items {
		if i < len(order.Items) {
			order.Items[i].ID = items[i].ID
			order.Items[i].OrderID = items[i].OrderID
		}
	}
}
