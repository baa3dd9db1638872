package application

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// StockSagaResponder 订单确认时预留库存，订单取消时归还库存。
// 每行调整按订单幂等，消息重投时已完成的行不会重复生效。
// 取消先于确认到达时，取消标记使随后的预留被跳过。
type StockSagaResponder struct {
	stock *StockService
}

// NewStockSagaResponder 创建库存响应方
func NewStockSagaResponder(stock *StockService) *StockSagaResponder {
	return &StockSagaResponder{stock: stock}
}

// HandleOrderConfirmed 逐行预留。任一行失败即返回错误，已预留的行保留，重投时跳过。
func (r *StockSagaResponder) HandleOrderConfirmed(ctx context.Context, orderID int64, lines []domain.OrderLine) error {
	for _, l := range lines {
		if _, err := r.stock.ReserveStock(ctx, l.ProductID, l.Quantity, orderID); err != nil {
			logger.Error(ctx, "stock reservation failed", "order_id", orderID, "product_id", l.ProductID, "quantity", l.Quantity, "error", err)
			return xerrors.Wrap(xerrors.HandlerFailure, err, "reserve stock for confirmed order")
		}
	}
	logger.Info(ctx, "stock reserved for order", "order_id", orderID, "lines", len(lines))
	return nil
}

// HandleOrderCancelled 只归还该订单确实预留过的行，数量以预留流水为准
func (r *StockSagaResponder) HandleOrderCancelled(ctx context.Context, orderID int64, lines []domain.OrderLine) error {
	restored := 0
	for _, l := range lines {
		result, err := r.stock.CancelReservation(ctx, l.ProductID, orderID)
		if xerrors.Is(err, xerrors.NotFound) {
			logger.Warn(ctx, "cancelled order references unknown product", "order_id", orderID, "product_id", l.ProductID)
			continue
		}
		if err != nil {
			logger.Error(ctx, "stock restoration failed", "order_id", orderID, "product_id", l.ProductID, "error", err)
			return xerrors.Wrap(xerrors.HandlerFailure, err, "restore stock for cancelled order")
		}
		if result.Applied {
			restored++
		}
	}
	logger.Info(ctx, "stock restored for order", "order_id", orderID, "lines", restored)
	return nil
}
