// Package mysql 库存域仓储的 GORM 实现，支持 MySQL 与 PostgreSQL
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

var errDuplicateMovement = errors.New("stock movement already recorded")

// AutoMigrate 创建库存域的表
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&ProductModel{}, &StockMovementModel{})
}

type productRepository struct {
	db *gorm.DB
}

// NewProductRepository 创建商品仓储
func NewProductRepository(db *gorm.DB) domain.ProductRepository {
	return &productRepository{db: db}
}

func (r *productRepository) Save(ctx context.Context, product *domain.Product) error {
	model := toProductModel(product)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		logger.Error(ctx, "product_repository.save failed", "product_id", product.ID, "error", err)
		return fmt.Errorf("failed to save product: %w", err)
	}
	product.ID = model.ID
	product.CreatedAt = model.CreatedAt
	product.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (*domain.Product, error) {
	var model ProductModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return toProduct(&model), nil
}

func (r *productRepository) GetMany(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	out := make(map[int64]*domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var models []ProductModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	for i := range models {
		out[models[i].ID] = toProduct(&models[i])
	}
	return out, nil
}

func (r *productRepository) List(ctx context.Context, offset, limit int) ([]*domain.Product, int64, error) {
	var models []ProductModel
	var total int64
	q := r.db.WithContext(ctx).Model(&ProductModel{})
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}
	if err := q.Session(&gorm.Session{}).Order("id asc").Offset(offset).Limit(limit).Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}
	return toProducts(models), total, nil
}

func (r *productRepository) ListLowStock(ctx context.Context, threshold int) ([]*domain.Product, error) {
	var models []ProductModel
	err := r.db.WithContext(ctx).
		Where("stock > 0 AND stock <= ?", threshold).
		Order("stock asc, id asc").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock products: %w", err)
	}
	return toProducts(models), nil
}

func (r *productRepository) ListOutOfStock(ctx context.Context) ([]*domain.Product, error) {
	var models []ProductModel
	if err := r.db.WithContext(ctx).Where("stock <= 0").Order("id asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list out of stock products: %w", err)
	}
	return toProducts(models), nil
}

// AdjustStock 锁定商品行后读改写。同一订单、商品、原因的流水已存在时不修改库存，返回已记录的流水。
// 订单已留下取消流水时，该订单的预留被跳过。
func (r *productRepository) AdjustStock(ctx context.Context, adj domain.Adjustment) (*domain.AdjustmentResult, error) {
	var result *domain.AdjustmentResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := lockProduct(tx, adj.ProductID)
		if err != nil {
			return err
		}

		if adj.OrderID != nil {
			existing, err := findMovement(tx, *adj.OrderID, adj.ProductID, adj.Reason)
			if err != nil {
				return err
			}
			if existing != nil {
				result = &domain.AdjustmentResult{Movement: *existing}
				return nil
			}
			if adj.Reason == domain.ReasonOrderConfirmed {
				cancelled, err := findMovement(tx, *adj.OrderID, adj.ProductID, domain.ReasonOrderCancelled)
				if err != nil {
					return err
				}
				if cancelled != nil {
					result = &domain.AdjustmentResult{Movement: *cancelled, Cancelled: true}
					return nil
				}
			}
		}

		mv, err := applyMovement(tx, model, adj)
		if err != nil {
			return err
		}
		result = &domain.AdjustmentResult{Movement: mv, Applied: true}
		return nil
	})

	if errors.Is(err, errDuplicateMovement) {
		return r.recorded(ctx, *adj.OrderID, adj.ProductID, adj.Reason)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelReservation 在同一把行锁内处理订单取消：已有预留时按预留数量归还；
// 尚无预留时写入数量为 0 的取消流水，之后到达的预留不再生效。
func (r *productRepository) CancelReservation(ctx context.Context, orderID, productID int64) (*domain.AdjustmentResult, error) {
	var result *domain.AdjustmentResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := lockProduct(tx, productID)
		if err != nil {
			return err
		}
		existing, err := findMovement(tx, orderID, productID, domain.ReasonOrderCancelled)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &domain.AdjustmentResult{Movement: *existing}
			return nil
		}
		reservation, err := findMovement(tx, orderID, productID, domain.ReasonOrderConfirmed)
		if err != nil {
			return err
		}

		quantity := 0
		if reservation != nil {
			quantity = -reservation.Quantity
		}
		mv, err := applyMovement(tx, model, domain.Adjustment{
			ProductID: productID,
			Quantity:  quantity,
			Reason:    domain.ReasonOrderCancelled,
			OrderID:   &orderID,
		})
		if err != nil {
			return err
		}
		result = &domain.AdjustmentResult{Movement: mv, Applied: quantity != 0}
		return nil
	})

	if errors.Is(err, errDuplicateMovement) {
		return r.recorded(ctx, orderID, productID, domain.ReasonOrderCancelled)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func lockProduct(tx *gorm.DB, id int64) (*ProductModel, error) {
	var model ProductModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.Newf(xerrors.NotFound, "product %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock product: %w", err)
	}
	return &model, nil
}

// applyMovement 应用调整并写入流水，数量为 0 时只写流水
func applyMovement(tx *gorm.DB, model *ProductModel, adj domain.Adjustment) (domain.StockMovement, error) {
	product := toProduct(model)
	oldStock, newStock, err := product.ApplyDelta(adj.Quantity)
	if err != nil {
		return domain.StockMovement{}, err
	}
	if adj.Quantity != 0 {
		if err := tx.Model(&ProductModel{}).Where("id = ?", model.ID).Update("stock", newStock).Error; err != nil {
			return domain.StockMovement{}, fmt.Errorf("failed to update stock: %w", err)
		}
	}

	movement := StockMovementModel{
		ProductID: adj.ProductID,
		OrderID:   adj.OrderID,
		Reason:    string(adj.Reason),
		Quantity:  adj.Quantity,
		OldStock:  oldStock,
		NewStock:  newStock,
	}
	if err := tx.Create(&movement).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.StockMovement{}, errDuplicateMovement
		}
		return domain.StockMovement{}, fmt.Errorf("failed to record stock movement: %w", err)
	}
	return toMovement(&movement), nil
}

// recorded 并发写入撞上唯一约束后，返回已提交的那条流水
func (r *productRepository) recorded(ctx context.Context, orderID, productID int64, reason domain.StockReason) (*domain.AdjustmentResult, error) {
	existing, err := r.FindMovement(ctx, orderID, productID, reason)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("stock movement for order %d vanished", orderID)
	}
	return &domain.AdjustmentResult{Movement: *existing}, nil
}

func (r *productRepository) FindMovement(ctx context.Context, orderID, productID int64, reason domain.StockReason) (*domain.StockMovement, error) {
	return findMovement(r.db.WithContext(ctx), orderID, productID, reason)
}

func findMovement(db *gorm.DB, orderID, productID int64, reason domain.StockReason) (*domain.StockMovement, error) {
	var model StockMovementModel
	err := db.Where("order_id = ? AND product_id = ? AND reason = ?", orderID, productID, string(reason)).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find stock movement: %w", err)
	}
	mv := toMovement(&model)
	return &mv, nil
}

func toProducts(models []ProductModel) []*domain.Product {
	out := make([]*domain.Product, len(models))
	for i := range models {
		out[i] = toProduct(&models[i])
	}
	return out
}
