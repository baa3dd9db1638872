package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fulfillment/internal/catalog/application"
	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/internal/catalog/infrastructure/messaging"
	"github.com/wyfcoding/fulfillment/internal/catalog/infrastructure/persistence/mysql"
	"github.com/wyfcoding/fulfillment/internal/contracts"
	"github.com/wyfcoding/fulfillment/pkg/config"
	"github.com/wyfcoding/fulfillment/pkg/db"
	"github.com/wyfcoding/fulfillment/pkg/mq"
	"github.com/wyfcoding/fulfillment/pkg/outbox"
)

type captured struct {
	mu   sync.Mutex
	msgs []*mq.Message
}

func (c *captured) handle(_ context.Context, msg *mq.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captured) byKey(key string) []*mq.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*mq.Message
	for _, m := range c.msgs {
		if m.RoutingKey == key {
			out = append(out, m)
		}
	}
	return out
}

type env struct {
	ch      *mq.MemoryChannel
	dead    *mq.MemoryDeadLetters
	stock   *application.StockService
	catalog *application.CatalogCommandService
	seen    *captured
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	d, err := db.Open(sqlite.Open("file::memory:"), config.DatabaseConfig{})
	require.NoError(t, err)
	sqlDB, err := d.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, mysql.AutoMigrate(ctx, d.DB))

	dead := mq.NewMemoryDeadLetters()
	ch := mq.NewMemoryChannel(mq.Options{MaxRetries: 1, DeadLetters: dead})
	t.Cleanup(func() {
		_ = ch.Close()
		_ = d.Close()
	})

	repo := mysql.NewProductRepository(d.DB)
	pub := messaging.NewEventPublisher(ch, outbox.NewDispatcher(ch, nil))
	stock := application.NewStockService(repo, pub, domain.NewThresholdPolicy(10), nil)
	handler := NewStockHandler(application.NewStockSagaResponder(stock), application.NewStockValidator(repo, pub))
	require.NoError(t, handler.Subscribe(ctx, ch))

	seen := &captured{}
	require.NoError(t, ch.Subscribe(ctx, mq.Binding{Exchange: contracts.ExchangeProducts, RoutingKey: "#"}, seen.handle))

	return &env{ch: ch, dead: dead, stock: stock, catalog: application.NewCatalogCommandService(repo), seen: seen}
}

func (e *env) publish(t *testing.T, event contracts.Event) {
	t.Helper()
	msg, err := contracts.ToMessage(event)
	require.NoError(t, err)
	require.NoError(t, e.ch.Publish(context.Background(), msg))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.ch.WaitIdle(ctx))
}

func (e *env) product(t *testing.T, stock int) int64 {
	t.Helper()
	p, err := e.catalog.CreateProduct(context.Background(), application.CreateProductCommand{
		Label: "widget",
		Price: decimal.NewFromInt(3),
		Stock: stock,
	})
	require.NoError(t, err)
	return p.ID
}

func TestStockHandler_ConfirmedOrderReservesAndAlerts(t *testing.T) {
	e := newEnv(t)
	id := e.product(t, 12)

	e.publish(t, contracts.OrderConfirmedEvent{
		Envelope: contracts.NewEnvelope(contracts.OrderConfirmed, contracts.SourceOrders),
		OrderID:  100,
		Items:    []contracts.OrderItem{{ProductID: id, Quantity: 5, Price: 3}},
	})

	level, err := e.stock.GetStockLevel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 7, level)

	updates := e.seen.byKey(string(contracts.ProductStockUpdated))
	require.Len(t, updates, 1)
	upd, err := contracts.Decode[contracts.ProductStockUpdatedEvent](updates[0])
	require.NoError(t, err)
	assert.Equal(t, 12, upd.OldStock)
	assert.Equal(t, 7, upd.NewStock)
	assert.Equal(t, -5, upd.Quantity)
	assert.Equal(t, contracts.ReasonOrderConfirmed, upd.Reason)
	require.NotNil(t, upd.OrderID)
	assert.Equal(t, int64(100), *upd.OrderID)

	lows := e.seen.byKey(string(contracts.ProductStockLow))
	require.Len(t, lows, 1)
	low, err := contracts.Decode[contracts.ProductStockLowEvent](lows[0])
	require.NoError(t, err)
	assert.Equal(t, 7, low.CurrentStock)
	assert.Equal(t, 10, low.Threshold)

	e.publish(t, contracts.OrderConfirmedEvent{
		Envelope: contracts.NewEnvelope(contracts.OrderConfirmed, contracts.SourceOrders),
		OrderID:  101,
		Items:    []contracts.OrderItem{{ProductID: id, Quantity: 7, Price: 3}},
	})
	outs := e.seen.byKey(string(contracts.ProductStockOut))
	require.Len(t, outs, 1)
	out, err := contracts.Decode[contracts.ProductStockOutEvent](outs[0])
	require.NoError(t, err)
	require.NotNil(t, out.LastOrderID)
	assert.Equal(t, int64(101), *out.LastOrderID)
	assert.Len(t, e.seen.byKey(string(contracts.ProductStockLow)), 1)
}

func TestStockHandler_CancelledOrderRestores(t *testing.T) {
	e := newEnv(t)
	id := e.product(t, 20)
	items := []contracts.OrderItem{{ProductID: id, Quantity: 4, Price: 3}}

	e.publish(t, contracts.OrderConfirmedEvent{Envelope: contracts.NewEnvelope(contracts.OrderConfirmed, contracts.SourceOrders), OrderID: 7, Items: items})
	e.publish(t, contracts.OrderCancelledEvent{Envelope: contracts.NewEnvelope(contracts.OrderCancelled, contracts.SourceOrders), OrderID: 7, Items: items, Reason: "customer request"})

	level, err := e.stock.GetStockLevel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 20, level)

	updates := e.seen.byKey(string(contracts.ProductStockUpdated))
	require.Len(t, updates, 2)
}

func TestStockHandler_InsufficientStockDeadLetters(t *testing.T) {
	e := newEnv(t)
	id := e.product(t, 1)

	e.publish(t, contracts.OrderConfirmedEvent{
		Envelope: contracts.NewEnvelope(contracts.OrderConfirmed, contracts.SourceOrders),
		OrderID:  8,
		Items:    []contracts.OrderItem{{ProductID: id, Quantity: 2}},
	})

	letters := e.dead.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, contracts.QueueInventoryOrderConfirmed, letters[0].Message.Queue)

	level, err := e.stock.GetStockLevel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, level)
}

func TestStockHandler_MalformedMessageDeadLettersImmediately(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ch.Publish(context.Background(), &mq.Message{
		ID:         "bad",
		Exchange:   contracts.ExchangeOrders,
		RoutingKey: string(contracts.OrderConfirmed),
		Body:       []byte("not json"),
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.ch.WaitIdle(ctx))

	letters := e.dead.Letters()
	require.Len(t, letters, 1)
	assert.Empty(t, letters[0].Message.Header(mq.HeaderRetryCount))
}

func TestStockHandler_ValidationRequestAnswered(t *testing.T) {
	e := newEnv(t)
	a := e.product(t, 5)

	e.publish(t, contracts.StockValidationRequestEvent{
		Envelope:   contracts.NewEnvelope(contracts.StockValidationRequest, contracts.SourceOrders),
		OrderID:    55,
		CustomerID: 7,
		Items:      []contracts.OrderItem{{ProductID: a, Quantity: 6}, {ProductID: 404, Quantity: 1}},
	})

	responses := e.seen.byKey(string(contracts.StockValidationResponse))
	require.Len(t, responses, 1)
	resp, err := contracts.Decode[contracts.StockValidationResponseEvent](responses[0])
	require.NoError(t, err)
	assert.Equal(t, int64(55), resp.OrderID)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "Insufficient stock for 2 item(s)", resp.Reason)
	assert.Equal(t, []contracts.UnavailableItem{
		{ProductID: a, Requested: 6, Available: 5},
		{ProductID: 404, Requested: 1, Available: 0},
	}, resp.UnavailableItems)
	assert.Equal(t, contracts.SourceProducts, resp.Source)

	level, err := e.stock.GetStockLevel(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 5, level)
}
