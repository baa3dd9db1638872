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

	catalogapp "github.com/wyfcoding/fulfillment/internal/catalog/application"
	catalogdomain "github.com/wyfcoding/fulfillment/internal/catalog/domain"
	catalogmessaging "github.com/wyfcoding/fulfillment/internal/catalog/infrastructure/messaging"
	catalogmysql "github.com/wyfcoding/fulfillment/internal/catalog/infrastructure/persistence/mysql"
	catalogevents "github.com/wyfcoding/fulfillment/internal/catalog/interfaces/events"
	"github.com/wyfcoding/fulfillment/internal/contracts"
	"github.com/wyfcoding/fulfillment/internal/order/application"
	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/internal/order/infrastructure/messaging"
	"github.com/wyfcoding/fulfillment/internal/order/infrastructure/persistence/mysql"
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

func (c *captured) byKey(key contracts.EventType) []*mq.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*mq.Message
	for _, m := range c.msgs {
		if m.RoutingKey == string(key) {
			out = append(out, m)
		}
	}
	return out
}

type env struct {
	db     *db.DB
	ch     *mq.MemoryChannel
	dead   *mq.MemoryDeadLetters
	orders *application.OrderCommandService
	query  *application.OrderQueryService
	seen   *captured
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

	repo := mysql.NewOrderRepository(d.DB)
	pub := messaging.NewEventPublisher(outbox.NewDispatcher(ch, nil))
	orders := application.NewOrderCommandService(repo, pub, nil)
	handler := NewValidationHandler(application.NewSagaCoordinator(orders, pub))
	require.NoError(t, handler.Subscribe(ctx, ch))

	seen := &captured{}
	require.NoError(t, ch.Subscribe(ctx, mq.Binding{Exchange: contracts.ExchangeOrders, RoutingKey: "order.*"}, seen.handle))
	require.NoError(t, ch.Subscribe(ctx, mq.Binding{Exchange: contracts.ExchangeProducts, RoutingKey: "stock.#"}, seen.handle))

	return &env{db: d, ch: ch, dead: dead, orders: orders, query: application.NewOrderQueryService(repo), seen: seen}
}

func (e *env) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.ch.WaitIdle(ctx))
}

func (e *env) respond(t *testing.T, resp contracts.StockValidationResponseEvent) {
	t.Helper()
	resp.Envelope = contracts.NewEnvelope(contracts.StockValidationResponse, contracts.SourceProducts)
	msg, err := contracts.ToMessage(resp)
	require.NoError(t, err)
	require.NoError(t, e.ch.Publish(context.Background(), msg))
	e.wait(t)
}

func (e *env) createOrder(t *testing.T, productID int64) *domain.Order {
	t.Helper()
	o, err := e.orders.CreateOrder(context.Background(), application.CreateOrderCommand{
		CustomerID: 7,
		Items:      []domain.OrderItem{{ProductID: productID, Quantity: 5, UnitPrice: decimal.RequireFromString("3.0")}},
	})
	require.NoError(t, err)
	e.wait(t)
	return o
}

func TestValidationHandler_ValidResponseConfirms(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t, 3)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.True(t, decimal.RequireFromString("15").Equal(o.TotalAmount))

	requests := e.seen.byKey(contracts.StockValidationRequest)
	require.Len(t, requests, 1)
	req, err := contracts.Decode[contracts.StockValidationRequestEvent](requests[0])
	require.NoError(t, err)
	assert.Equal(t, o.ID, req.OrderID)
	assert.Equal(t, int64(7), req.CustomerID)
	assert.InDelta(t, 15.0, req.TotalAmount, 0.0001)
	require.Len(t, req.Items, 1)
	assert.InDelta(t, 15.0, req.Items[0].LineTotal, 0.0001)

	e.respond(t, contracts.StockValidationResponseEvent{OrderID: o.ID, IsValid: true})

	got, err := e.query.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)

	confirmed := e.seen.byKey(contracts.OrderConfirmed)
	require.Len(t, confirmed, 1)
	ev, err := contracts.Decode[contracts.OrderConfirmedEvent](confirmed[0])
	require.NoError(t, err)
	assert.Equal(t, o.ID, ev.OrderID)
	assert.Equal(t, contracts.SourceOrders, ev.Source)

	created := e.seen.byKey(contracts.OrderCreated)
	require.Len(t, created, 2)
	audit, err := contracts.Decode[contracts.OrderCreatedEvent](created[1])
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusConfirmed), audit.Status)
}

func TestValidationHandler_InvalidResponseCancelsWithReason(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t, 3)

	e.respond(t, contracts.StockValidationResponseEvent{
		OrderID:          o.ID,
		IsValid:          false,
		Reason:           "out of stock",
		UnavailableItems: []contracts.UnavailableItem{{ProductID: 3, Requested: 5, Available: 0}},
	})

	got, err := e.query.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "out of stock", got.CancelReason)

	cancelled := e.seen.byKey(contracts.OrderCancelled)
	require.Len(t, cancelled, 1)
	ev, err := contracts.Decode[contracts.OrderCancelledEvent](cancelled[0])
	require.NoError(t, err)
	assert.Equal(t, "out of stock", ev.Reason)
	assert.Empty(t, e.seen.byKey(contracts.OrderConfirmed))
}

func TestValidationHandler_DuplicateAndStaleResponsesAreNoOps(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t, 3)

	e.respond(t, contracts.StockValidationResponseEvent{OrderID: o.ID, IsValid: true})
	e.respond(t, contracts.StockValidationResponseEvent{OrderID: o.ID, IsValid: true})
	e.respond(t, contracts.StockValidationResponseEvent{OrderID: o.ID, IsValid: false, Reason: "late"})

	got, err := e.query.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Len(t, e.seen.byKey(contracts.OrderConfirmed), 1)
	assert.Empty(t, e.seen.byKey(contracts.OrderCancelled))
	assert.Empty(t, e.dead.Letters())
}

func TestValidationHandler_UnknownOrderDropped(t *testing.T) {
	e := newEnv(t)
	e.respond(t, contracts.StockValidationResponseEvent{OrderID: 4040, IsValid: true})

	assert.Empty(t, e.dead.Letters())
	assert.Empty(t, e.seen.byKey(contracts.OrderConfirmed))
}

func TestValidationHandler_MissingOrderIDDeadLetters(t *testing.T) {
	e := newEnv(t)
	e.respond(t, contracts.StockValidationResponseEvent{IsValid: true})

	letters := e.dead.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, contracts.QueueOrdersStockValidation, letters[0].Message.Queue)
}

func TestSaga_EndToEndWithInventory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, catalogmysql.AutoMigrate(ctx, e.db.DB))
	products := catalogmysql.NewProductRepository(e.db.DB)
	stockPub := catalogmessaging.NewEventPublisher(e.ch, outbox.NewDispatcher(e.ch, nil))
	stock := catalogapp.NewStockService(products, stockPub, catalogdomain.NewThresholdPolicy(10), nil)
	inventory := catalogevents.NewStockHandler(
		catalogapp.NewStockSagaResponder(stock),
		catalogapp.NewStockValidator(products, stockPub),
	)
	require.NoError(t, inventory.Subscribe(ctx, e.ch))

	plenty, err := catalogapp.NewCatalogCommandService(products).CreateProduct(ctx, catalogapp.CreateProductCommand{
		Label: "widget",
		Price: decimal.RequireFromString("3.0"),
		Stock: 12,
	})
	require.NoError(t, err)
	scarce, err := catalogapp.NewCatalogCommandService(products).CreateProduct(ctx, catalogapp.CreateProductCommand{
		Label: "gadget",
		Price: decimal.RequireFromString("3.0"),
		Stock: 2,
	})
	require.NoError(t, err)

	ok := e.createOrder(t, plenty.ID)
	got, err := e.query.GetOrder(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	level, err := stock.GetStockLevel(ctx, plenty.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, level)

	rejected := e.createOrder(t, scarce.ID)
	got, err = e.query.GetOrder(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "Insufficient stock for 1 item(s)", got.CancelReason)
	level, err = stock.GetStockLevel(ctx, scarce.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, level)

	_, err = e.orders.UpdateStatus(ctx, ok.ID, domain.StatusCancelled, "customer request")
	require.NoError(t, err)
	e.wait(t)
	level, err = stock.GetStockLevel(ctx, plenty.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, level)

	assert.Empty(t, e.dead.Letters())
}
