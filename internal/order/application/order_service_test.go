package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/internal/order/infrastructure/persistence/mysql"
	"github.com/wyfcoding/fulfillment/pkg/config"
	"github.com/wyfcoding/fulfillment/pkg/db"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

type published struct {
	kind   string
	order  domain.Order
	reason string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) add(kind string, o *domain.Order, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{kind: kind, order: *o, reason: reason})
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, o *domain.Order) {
	p.add("order.created", o, "")
}

func (p *recordingPublisher) PublishOrderConfirmed(_ context.Context, o *domain.Order) {
	p.add("order.confirmed", o, "")
}

func (p *recordingPublisher) PublishOrderCancelled(_ context.Context, o *domain.Order, reason string) {
	p.add("order.cancelled", o, reason)
}

func (p *recordingPublisher) PublishStockValidationRequest(_ context.Context, o *domain.Order) {
	p.add("stock.validation.request", o, "")
}

func (p *recordingPublisher) of(kind string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

type fixture struct {
	repo    domain.OrderRepository
	pub     *recordingPublisher
	command *OrderCommandService
	query   *OrderQueryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.Open(sqlite.Open("file::memory:"), config.DatabaseConfig{})
	require.NoError(t, err)
	sqlDB, err := d.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, mysql.AutoMigrate(context.Background(), d.DB))

	repo := mysql.NewOrderRepository(d.DB)
	pub := &recordingPublisher{}
	return &fixture{
		repo:    repo,
		pub:     pub,
		command: NewOrderCommandService(repo, pub, nil),
		query:   NewOrderQueryService(repo),
	}
}

func item(productID int64, qty int, price string) domain.OrderItem {
	return domain.OrderItem{ProductID: productID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func (f *fixture) create(t *testing.T, customerID int64, items ...domain.OrderItem) *domain.Order {
	t.Helper()
	o, err := f.command.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID: customerID,
		Items:      items,
		Details:    domain.Details{ShippingAddress: "1 Main St"},
	})
	require.NoError(t, err)
	return o
}

func TestCreateOrder_PersistsAndPublishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	o := f.create(t, 7, item(1, 2, "2.5"), item(2, 1, "4.0"))
	assert.NotZero(t, o.ID)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.True(t, decimal.RequireFromString("9").Equal(o.TotalAmount))

	created := f.pub.of("order.created")
	require.Len(t, created, 1)
	assert.Equal(t, o.ID, created[0].order.ID)
	require.Len(t, f.pub.of("stock.validation.request"), 1)
	assert.Equal(t, "order.created", f.pub.events[0].kind)

	got, err := f.query.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 2)
	assert.Equal(t, "1 Main St", got.ShippingAddress)
}

func TestCreateOrder_ValidationPublishesNothing(t *testing.T) {
	f := newFixture(t)
	cases := []CreateOrderCommand{
		{CustomerID: 0, Items: []domain.OrderItem{item(1, 1, "1")}},
		{CustomerID: 7},
		{CustomerID: 7, Items: []domain.OrderItem{item(0, 1, "1")}},
	}
	for _, cmd := range cases {
		_, err := f.command.CreateOrder(context.Background(), cmd)
		assert.True(t, xerrors.Is(err, xerrors.Validation))
	}
	assert.Empty(t, f.pub.events)
}

func TestUpdateStatus_ConfirmTwiceEmitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.create(t, 7, item(3, 5, "3.0"))

	first, err := f.command.UpdateStatus(ctx, o.ID, domain.StatusConfirmed, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, first.Status)

	second, err := f.command.UpdateStatus(ctx, o.ID, domain.StatusConfirmed, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, second.Status)

	assert.Len(t, f.pub.of("order.confirmed"), 1)
}

func TestUpdateStatus_InvalidTransitionLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.create(t, 7, item(3, 1, "1"))
	f.pub.reset()

	_, err := f.command.UpdateStatus(ctx, o.ID, domain.StatusShipped, "")
	assert.True(t, xerrors.Is(err, xerrors.InvalidTransition))
	assert.Empty(t, f.pub.events)

	got, err := f.query.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = f.command.UpdateStatus(ctx, o.ID, domain.OrderStatus("LOST"), "")
	assert.True(t, xerrors.Is(err, xerrors.Validation))

	_, err = f.command.UpdateStatus(ctx, 999, domain.StatusConfirmed, "")
	assert.True(t, xerrors.Is(err, xerrors.NotFound))
}

func TestUpdateStatus_FullLifecycleAndCancelReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.create(t, 7, item(3, 1, "1"))

	for _, s := range []domain.OrderStatus{domain.StatusConfirmed, domain.StatusProcessing, domain.StatusShipped, domain.StatusDelivered} {
		_, err := f.command.UpdateStatus(ctx, o.ID, s, "")
		require.NoError(t, err)
	}
	got, err := f.query.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)

	other := f.create(t, 7, item(3, 1, "1"))
	cancelled, err := f.command.UpdateStatus(ctx, other.ID, domain.StatusCancelled, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultCancelReason, cancelled.CancelReason)

	events := f.pub.of("order.cancelled")
	require.Len(t, events, 1)
	assert.Equal(t, domain.DefaultCancelReason, events[0].reason)

	stored, err := f.query.GetOrder(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultCancelReason, stored.CancelReason)
}

func TestReplaceItems_RecomputesFromNewSetOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.create(t, 7, item(1, 2, "2.5"), item(2, 1, "4.0"))

	updated, err := f.command.ReplaceItems(ctx, o.ID, []domain.OrderItem{item(5, 3, "1.10")})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3.3").Equal(updated.TotalAmount))

	got, err := f.query.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(5), got.Items[0].ProductID)
	assert.True(t, decimal.RequireFromString("3.3").Equal(got.TotalAmount))

	total, err := f.query.CalculateOrderTotal(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3.3").Equal(total))

	_, err = f.command.ReplaceItems(ctx, o.ID, nil)
	assert.True(t, xerrors.Is(err, xerrors.Validation))
	_, err = f.command.ReplaceItems(ctx, o.ID, []domain.OrderItem{item(5, 1, "1"), item(5, 2, "1")})
	assert.True(t, xerrors.Is(err, xerrors.Validation))
}

func TestUpdateOrder_KeepsItemsWhenNotGiven(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.create(t, 7, item(1, 2, "2.5"))

	_, err := f.command.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID: o.ID,
		Details: domain.Details{Notes: "leave at door", BillingAddress: "2 Side St"},
	})
	require.NoError(t, err)

	got, err := f.query.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "leave at door", got.Notes)
	assert.Equal(t, "2 Side St", got.BillingAddress)
	assert.Equal(t, "1 Main St", got.ShippingAddress)
	assert.Len(t, got.Items, 1)
}

func TestDeleteOrder_OnlyPendingOrCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pending := f.create(t, 7, item(1, 1, "1"))
	require.NoError(t, f.command.DeleteOrder(ctx, pending.ID))
	_, err := f.query.GetOrder(ctx, pending.ID)
	assert.True(t, xerrors.Is(err, xerrors.NotFound))

	confirmed := f.create(t, 7, item(1, 1, "1"))
	_, err = f.command.UpdateStatus(ctx, confirmed.ID, domain.StatusConfirmed, "")
	require.NoError(t, err)
	err = f.command.DeleteOrder(ctx, confirmed.ID)
	assert.True(t, xerrors.Is(err, xerrors.InvalidOperation))

	_, err = f.command.UpdateStatus(ctx, confirmed.ID, domain.StatusCancelled, "changed mind")
	require.NoError(t, err)
	require.NoError(t, f.command.DeleteOrder(ctx, confirmed.ID))

	assert.True(t, xerrors.Is(f.command.DeleteOrder(ctx, 999), xerrors.NotFound))
}

func TestListOrders_Filters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.create(t, 7, item(1, 1, "1"))
	b := f.create(t, 7, item(1, 1, "1"))
	f.create(t, 8, item(1, 1, "1"))
	_, err := f.command.UpdateStatus(ctx, a.ID, domain.StatusConfirmed, "")
	require.NoError(t, err)

	mine, err := f.query.ListOrdersByCustomer(ctx, 7)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, b.ID, mine[0].ID)

	confirmed, err := f.query.ListOrdersByStatus(ctx, domain.StatusConfirmed)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, a.ID, confirmed[0].ID)

	all, err := f.query.ListOrders(ctx, domain.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.query.ListOrders(ctx, domain.ListFilter{Status: "NOPE"})
	assert.True(t, xerrors.Is(err, xerrors.Validation))
}

func TestSagaCoordinator_Responses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	coordinator := NewSagaCoordinator(f.command, f.pub)

	o := f.create(t, 7, item(3, 5, "3.0"))
	assert.True(t, decimal.RequireFromString("15").Equal(o.TotalAmount))
	f.pub.reset()

	require.NoError(t, coordinator.HandleValidationResponse(ctx, StockValidationResult{OrderID: o.ID, Valid: true}))
	got, err := f.query.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	require.Len(t, f.pub.of("order.confirmed"), 1)
	audit := f.pub.of("order.created")
	require.Len(t, audit, 1)
	assert.Equal(t, domain.StatusConfirmed, audit[0].order.Status)

	require.NoError(t, coordinator.HandleValidationResponse(ctx, StockValidationResult{OrderID: o.ID, Valid: true}))
	assert.Len(t, f.pub.of("order.confirmed"), 1)
	assert.Len(t, f.pub.of("order.created"), 1)

	rejected := f.create(t, 7, item(3, 5, "3.0"))
	require.NoError(t, coordinator.HandleValidationResponse(ctx, StockValidationResult{OrderID: rejected.ID, Reason: "out of stock"}))
	got, err = f.query.GetOrder(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "out of stock", got.CancelReason)
	cancelled := f.pub.of("order.cancelled")
	require.Len(t, cancelled, 1)
	assert.Equal(t, "out of stock", cancelled[0].reason)

	silent := f.create(t, 7, item(3, 1, "1"))
	require.NoError(t, coordinator.HandleValidationResponse(ctx, StockValidationResult{OrderID: silent.ID}))
	got, err = f.query.GetOrder(ctx, silent.ID)
	require.NoError(t, err)
	assert.Equal(t, defaultValidationFailure, got.CancelReason)

	assert.NoError(t, coordinator.HandleValidationResponse(ctx, StockValidationResult{OrderID: 999, Valid: true}))
}

func TestPendingSweeper_CancelsOnlyStaleOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stale := f.create(t, 7, item(1, 1, "1"))
	confirmed := f.create(t, 7, item(1, 1, "1"))
	_, err := f.command.UpdateStatus(ctx, confirmed.ID, domain.StatusConfirmed, "")
	require.NoError(t, err)

	sweeper := NewPendingSweeper(f.repo, f.command, config.SagaConfig{PendingTimeout: time.Minute})
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	sweeper.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.query.GetOrder(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, TimeoutReason, got.CancelReason)

	still, err := f.query.GetOrder(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, still.Status)

	disabled := NewPendingSweeper(f.repo, f.command, config.SagaConfig{})
	assert.False(t, disabled.Enabled())
	assert.NoError(t, disabled.Run(ctx))
}
