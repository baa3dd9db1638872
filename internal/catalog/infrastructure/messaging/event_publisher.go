// Package messaging 把库存域事件映射为 products.events 上的消息
package messaging

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/internal/contracts"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/mq"
	"github.com/wyfcoding/fulfillment/pkg/outbox"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

type eventPublisher struct {
	pub        mq.Publisher
	dispatcher *outbox.Dispatcher
}

// NewEventPublisher 库存变更与告警经 dispatcher 发布，失败时暂存到发件箱；校验响应直接发布。
func NewEventPublisher(pub mq.Publisher, dispatcher *outbox.Dispatcher) domain.EventPublisher {
	return &eventPublisher{pub: pub, dispatcher: dispatcher}
}

func (p *eventPublisher) PublishStockUpdated(ctx context.Context, event domain.StockUpdatedEvent) {
	mv := event.Movement
	p.dispatch(ctx, contracts.ProductStockUpdatedEvent{
		Envelope:  contracts.NewEnvelope(contracts.ProductStockUpdated, contracts.SourceProducts),
		ProductID: mv.ProductID,
		OldStock:  mv.OldStock,
		NewStock:  mv.NewStock,
		Quantity:  mv.Quantity,
		Reason:    contracts.StockReason(mv.Reason),
		OrderID:   mv.OrderID,
	})
}

func (p *eventPublisher) PublishStockLow(ctx context.Context, event domain.StockLowEvent) {
	p.dispatch(ctx, contracts.ProductStockLowEvent{
		Envelope:     contracts.NewEnvelope(contracts.ProductStockLow, contracts.SourceProducts),
		ProductID:    event.ProductID,
		CurrentStock: event.CurrentStock,
		Threshold:    event.Threshold,
	})
}

func (p *eventPublisher) PublishStockOut(ctx context.Context, event domain.StockOutEvent) {
	p.dispatch(ctx, contracts.ProductStockOutEvent{
		Envelope:    contracts.NewEnvelope(contracts.ProductStockOut, contracts.SourceProducts),
		ProductID:   event.ProductID,
		LastOrderID: event.LastOrderID,
	})
}

func (p *eventPublisher) PublishValidationResult(ctx context.Context, result domain.ValidationResult) error {
	resp := contracts.StockValidationResponseEvent{
		Envelope: contracts.NewEnvelope(contracts.StockValidationResponse, contracts.SourceProducts),
		OrderID:  result.OrderID,
		IsValid:  result.Valid,
		Reason:   result.Reason,
	}
	for _, u := range result.Unavailable {
		resp.UnavailableItems = append(resp.UnavailableItems, contracts.UnavailableItem{
			ProductID: u.ProductID,
			Requested: u.Requested,
			Available: u.Available,
		})
	}
	msg, err := contracts.ToMessage(resp)
	if err != nil {
		return err
	}
	if err := p.pub.Publish(ctx, msg); err != nil {
		return xerrors.Wrap(xerrors.BrokerUnavailable, err, "failed to publish stock validation response")
	}
	return nil
}

func (p *eventPublisher) dispatch(ctx context.Context, event contracts.Event) {
	msg, err := contracts.ToMessage(event)
	if err != nil {
		logger.Error(ctx, "failed to encode event", "error", err)
		return
	}
	p.dispatcher.Dispatch(ctx, msg)
}
