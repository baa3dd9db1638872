package application

import (
	"context"
	"fmt"

	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// StockValidator 回答订单域的库存校验请求，只读不改库存
type StockValidator struct {
	repo      domain.ProductRepository
	publisher domain.EventPublisher
}

// NewStockValidator 创建库存校验器
func NewStockValidator(repo domain.ProductRepository, publisher domain.EventPublisher) *StockValidator {
	return &StockValidator{repo: repo, publisher: publisher}
}

// Validate 比较每个商品的需求总量与当前库存。未知商品按可用量 0 处理。
func (v *StockValidator) Validate(ctx context.Context, orderID int64, lines []domain.OrderLine) (domain.ValidationResult, error) {
	result := domain.ValidationResult{OrderID: orderID}
	if len(lines) == 0 {
		result.Reason = "Order has no items"
		return result, nil
	}

	requested := make(map[int64]int, len(lines))
	order := make([]int64, 0, len(lines))
	for _, l := range lines {
		if _, ok := requested[l.ProductID]; !ok {
			order = append(order, l.ProductID)
		}
		requested[l.ProductID] += l.Quantity
	}

	products, err := v.repo.GetMany(ctx, order)
	if err != nil {
		return result, err
	}

	for _, id := range order {
		available := 0
		if p, ok := products[id]; ok {
			available = p.Stock
		}
		if available < requested[id] {
			result.Unavailable = append(result.Unavailable, domain.UnavailableLine{
				ProductID: id,
				Requested: requested[id],
				Available: available,
			})
		}
	}

	result.Valid = len(result.Unavailable) == 0
	if !result.Valid {
		result.Reason = fmt.Sprintf("Insufficient stock for %d item(s)", len(result.Unavailable))
	}
	return result, nil
}

// HandleValidationRequest 校验并发布响应。响应发布失败返回错误，请求会被重新投递。
func (v *StockValidator) HandleValidationRequest(ctx context.Context, orderID int64, lines []domain.OrderLine) error {
	result, err := v.Validate(ctx, orderID, lines)
	if err != nil {
		return err
	}
	logger.Info(ctx, "stock validated", "order_id", orderID, "valid", result.Valid, "unavailable", len(result.Unavailable))
	return v.publisher.PublishValidationResult(ctx, result)
}
