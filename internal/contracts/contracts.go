// Package contracts 定义订单域与库存域之间的消息契约：交换机、路由键、队列名、信封与各事件载荷。
// 两个服务只通过这里的 JSON 结构交互。
package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wyfcoding/fulfillment/pkg/mq"
)

// SchemaVersion 载荷结构版本
const SchemaVersion = "1.0"

// 事件来源
const (
	SourceOrders   = "orders-service"
	SourceProducts = "products-service"
)

// 交换机
const (
	ExchangeOrders   = "orders.events"
	ExchangeProducts = "products.events"
)

// EventType 事件类型，同时用作路由键
type EventType string

const (
	OrderCreated            EventType = "order.created"
	OrderConfirmed          EventType = "order.confirmed"
	OrderCancelled          EventType = "order.cancelled"
	StockValidationRequest  EventType = "stock.validation.request"
	StockValidationResponse EventType = "stock.validation.response"
	ProductStockUpdated     EventType = "product.stock.updated"
	ProductStockLow         EventType = "product.stock.low"
	ProductStockOut         EventType = "product.stock.out"
)

// Exchange 返回事件所属交换机。库存校验的请求与响应都走 products.events。
func (t EventType) Exchange() string {
	switch t {
	case OrderCreated, OrderConfirmed, OrderCancelled:
		return ExchangeOrders
	default:
		return ExchangeProducts
	}
}

// 持久队列名
const (
	QueueOrdersStockValidation    = "orders.stock.validation"
	QueueInventoryOrderConfirmed  = "inventory.order.confirmed"
	QueueInventoryOrderCancelled  = "inventory.order.cancelled"
	QueueInventoryStockValidation = "inventory.stock.validation"
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

// Envelope 所有消息共有的字段
type Envelope struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// NewEnvelope 生成新的信封，messageId 每次唯一
func NewEnvelope(t EventType, source string) Envelope {
	return Envelope{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Source:    source,
		Version:   SchemaVersion,
	}
}

// OrderItem 事件中的订单行
type OrderItem struct {
	ProductID int64   `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	LineTotal float64 `json:"lineTotal"`
}

// OrderCreatedEvent order.created
type OrderCreatedEvent struct {
	Envelope
	OrderID         int64       `json:"orderId"`
	CustomerID      int64       `json:"customerId"`
	Status          string      `json:"status"`
	TotalAmount     float64     `json:"totalAmount"`
	Items           []OrderItem `json:"items"`
	ShippingAddress string      `json:"shippingAddress,omitempty"`
	Notes           string      `json:"notes,omitempty"`
}

// OrderConfirmedEvent order.confirmed
type OrderConfirmedEvent struct {
	Envelope
	OrderID    int64       `json:"orderId"`
	CustomerID int64       `json:"customerId"`
	Items      []OrderItem `json:"items"`
}

// OrderCancelledEvent order.cancelled
type OrderCancelledEvent struct {
	Envelope
	OrderID    int64       `json:"orderId"`
	CustomerID int64       `json:"customerId"`
	Items      []OrderItem `json:"items"`
	Reason     string      `json:"reason,omitempty"`
}

// StockValidationRequestEvent stock.validation.request
type StockValidationRequestEvent struct {
	Envelope
	OrderID     int64       `json:"orderId"`
	CustomerID  int64       `json:"customerId"`
	Items       []OrderItem `json:"items"`
	TotalAmount float64     `json:"totalAmount"`
}

// UnavailableItem 库存不足的订单行
type UnavailableItem struct {
	ProductID int64 `json:"productId"`
	Requested int   `json:"requested"`
	Available int   `json:"available"`
}

// StockValidationResponseEvent stock.validation.response
type StockValidationResponseEvent struct {
	Envelope
	OrderID          int64             `json:"orderId"`
	IsValid          bool              `json:"isValid"`
	Reason           string            `json:"reason,omitempty"`
	UnavailableItems []UnavailableItem `json:"unavailableItems,omitempty"`
}

// ProductStockUpdatedEvent product.stock.updated
type ProductStockUpdatedEvent struct {
	Envelope
	ProductID int64       `json:"productId"`
	OldStock  int         `json:"oldStock"`
	NewStock  int         `json:"newStock"`
	Quantity  int         `json:"quantity"`
	Reason    StockReason `json:"reason"`
	OrderID   *int64      `json:"orderId,omitempty"`
}

// ProductStockLowEvent product.stock.low
type ProductStockLowEvent struct {
	Envelope
	ProductID    int64 `json:"productId"`
	CurrentStock int   `json:"currentStock"`
	Threshold    int   `json:"threshold"`
}

// ProductStockOutEvent product.stock.out
type ProductStockOutEvent struct {
	Envelope
	ProductID   int64  `json:"productId"`
	LastOrderID *int64 `json:"lastOrderId,omitempty"`
}

// Event 任意携带信封的载荷
type Event interface {
	envelope() Envelope
}

func (e Envelope) envelope() Envelope { return e }

// ToMessage 序列化事件为可发布的消息，路由键等于事件类型
func ToMessage(e Event) (*mq.Message, error) {
	env := e.envelope()
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", env.Type, err)
	}
	return &mq.Message{
		ID:         env.MessageID,
		Exchange:   env.Type.Exchange(),
		RoutingKey: string(env.Type),
		Body:       body,
		Timestamp:  env.Timestamp,
	}, nil
}

// Decode 解析消息体。解析失败属于永久错误，不会重试。
func Decode[T any](msg *mq.Message) (*T, error) {
	var v T
	if err := json.Unmarshal(msg.Body, &v); err != nil {
		return nil, mq.Permanent(fmt.Errorf("decode %s: %w", msg.RoutingKey, err))
	}
	return &v, nil
}

// Bind 持久队列绑定，路由键等于事件类型
func Bind(t EventType, queue string) mq.Binding {
	return mq.Binding{Exchange: t.Exchange(), RoutingKey: string(t), Queue: queue}
}
