package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/cache"
)

type countingRepo struct {
	domain.OrderRepository
	orders map[int64]*domain.Order
	gets   int
}

func (r *countingRepo) Get(_ context.Context, id int64) (*domain.Order, error) {
	r.gets++
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (r *countingRepo) UpdateStatus(_ context.Context, order *domain.Order, from domain.OrderStatus) (bool, error) {
	stored := r.orders[order.ID]
	if stored == nil || stored.Status != from {
		return false, nil
	}
	stored.Status = order.Status
	return true, nil
}

func (r *countingRepo) Delete(_ context.Context, id int64) error {
	delete(r.orders, id)
	return nil
}

func newCached(t *testing.T) (*CachedOrderRepository, *countingRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	inner := &countingRepo{orders: map[int64]*domain.Order{
		1: {
			ID:          1,
			CustomerID:  7,
			Status:      domain.StatusPending,
			TotalAmount: decimal.RequireFromString("15"),
			Items: []domain.OrderItem{
				{ID: 11, OrderID: 1, ProductID: 3, Quantity: 5, UnitPrice: decimal.RequireFromString("3")},
			},
			CreatedAt: time.Now().UTC().Truncate(time.Second),
			UpdatedAt: time.Now().UTC().Truncate(time.Second),
		},
	}}
	return NewCachedOrderRepository(inner, cache.NewWithClient(client), time.Minute), inner, mr
}

func TestCachedOrderRepository_ReadThrough(t *testing.T) {
	ctx := context.Background()
	repo, inner, mr := newCached(t)

	first, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, inner.gets)
	assert.True(t, mr.Exists("fulfillment:order:1"))

	second, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.gets)
	assert.Equal(t, int64(7), second.CustomerID)
	assert.Equal(t, domain.StatusPending, second.Status)
	require.Len(t, second.Items, 1)
	assert.Equal(t, int64(1), second.Items[0].OrderID)
	assert.True(t, decimal.RequireFromString("3").Equal(second.Items[0].UnitPrice))
	assert.True(t, decimal.RequireFromString("15").Equal(second.TotalAmount))
}

func TestCachedOrderRepository_MissingOrderIsNotCached(t *testing.T) {
	ctx := context.Background()
	repo, inner, mr := newCached(t)

	got, err := repo.Get(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("fulfillment:order:99"))
	assert.Equal(t, 1, inner.gets)
}

func TestCachedOrderRepository_WritesEvict(t *testing.T) {
	ctx := context.Background()
	repo, inner, mr := newCached(t)

	o, err := repo.Get(ctx, 1)
	require.NoError(t, err)

	o.Status = domain.StatusConfirmed
	ok, err := repo.UpdateStatus(ctx, o, domain.StatusPending)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("fulfillment:order:1"))

	fresh, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, fresh.Status)
	assert.Equal(t, 2, inner.gets)

	require.NoError(t, repo.Delete(ctx, 1))
	assert.False(t, mr.Exists("fulfillment:order:1"))
	gone, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCachedOrderRepository_CorruptEntryFallsBack(t *testing.T) {
	ctx := context.Background()
	repo, inner, mr := newCached(t)
	require.NoError(t, mr.Set("fulfillment:order:1", "{not json"))

	got, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, inner.gets)
}
