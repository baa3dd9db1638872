// Package redis 订单读缓存，包装数据库仓储。写操作后删除缓存，读取时回源。
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/cache"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// CachedOrderRepository 带 Redis 读缓存的订单仓储
type CachedOrderRepository struct {
	domain.OrderRepository
	cache  *cache.RedisCache
	prefix string
	ttl    time.Duration
}

// NewCachedOrderRepository 包装 next，ttl 为缓存有效期
func NewCachedOrderRepository(next domain.OrderRepository, c *cache.RedisCache, ttl time.Duration) *CachedOrderRepository {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedOrderRepository{
		OrderRepository: next,
		cache:           c,
		prefix:          "fulfillment:order:",
		ttl:             ttl,
	}
}

type cachedItem struct {
	ID                 int64           `json:"id"`
	ProductID          int64           `json:"productId"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unitPrice"`
	ProductName        string          `json:"productName,omitempty"`
	ProductDescription string          `json:"productDescription,omitempty"`
}

type cachedOrder struct {
	ID              int64           `json:"id"`
	CustomerID      int64           `json:"customerId"`
	Items           []cachedItem    `json:"items"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          string          `json:"status"`
	Notes           string          `json:"notes,omitempty"`
	ShippingAddress string          `json:"shippingAddress,omitempty"`
	BillingAddress  string          `json:"billingAddress,omitempty"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Get 先读缓存，未命中或缓存故障时回源
func (r *CachedOrderRepository) Get(ctx context.Context, id int64) (*domain.Order, error) {
	data, err := r.cache.Get(ctx, r.key(id))
	switch {
	case err != nil:
		logger.Warn(ctx, "order cache read failed", "order_id", id, "error", err)
	case data != "":
		var c cachedOrder
		if jsonErr := json.Unmarshal([]byte(data), &c); jsonErr == nil {
			return fromCached(&c), nil
		}
		logger.Warn(ctx, "discarding unreadable cached order", "order_id", id)
	}

	order, err := r.OrderRepository.Get(ctx, id)
	if err != nil || order == nil {
		return order, err
	}
	r.store(ctx, order)
	return order, nil
}

// Update 写库后删除缓存
func (r *CachedOrderRepository) Update(ctx context.Context, order *domain.Order, withItems bool) error {
	err := r.OrderRepository.Update(ctx, order, withItems)
	r.evict(ctx, order.ID)
	return err
}

// UpdateStatus 写库后删除缓存
func (r *CachedOrderRepository) UpdateStatus(ctx context.Context, order *domain.Order, from domain.OrderStatus) (bool, error) {
	ok, err := r.OrderRepository.UpdateStatus(ctx, order, from)
	r.evict(ctx, order.ID)
	return ok, err
}

// Delete 写库后删除缓存
func (r *CachedOrderRepository) Delete(ctx context.Context, id int64) error {
	err := r.OrderRepository.Delete(ctx, id)
	r.evict(ctx, id)
	return err
}

func (r *CachedOrderRepository) store(ctx context.Context, o *domain.Order) {
	data, err := json.Marshal(toCached(o))
	if err != nil {
		logger.Warn(ctx, "failed to marshal order for cache", "order_id", o.ID, "error", err)
		return
	}
	if err := r.cache.Set(ctx, r.key(o.ID), data, r.ttl); err != nil {
		logger.Warn(ctx, "order cache write failed", "order_id", o.ID, "error", err)
	}
}

func (r *CachedOrderRepository) evict(ctx context.Context, id int64) {
	if err := r.cache.Delete(ctx, r.key(id)); err != nil {
		logger.Warn(ctx, "order cache eviction failed", "order_id", id, "error", err)
	}
}

func (r *CachedOrderRepository) key(id int64) string {
	return r.prefix + strconv.FormatInt(id, 10)
}

func toCached(o *domain.Order) *cachedOrder {
	c := &cachedOrder{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		TotalAmount:     o.TotalAmount,
		Status:          string(o.Status),
		Notes:           o.Notes,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		CancelReason:    o.CancelReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		Items:           make([]cachedItem, len(o.Items)),
	}
	for i, it := range o.Items {
		c.Items[i] = cachedItem{
			ID:                 it.ID,
			ProductID:          it.ProductID,
			Quantity:           it.Quantity,
			UnitPrice:          it.UnitPrice,
			ProductName:        it.ProductName,
			ProductDescription: it.ProductDescription,
		}
	}
	return c
}

func fromCached(c *cachedOrder) *domain.Order {
	o := &domain.Order{
		ID:              c.ID,
		CustomerID:      c.CustomerID,
		TotalAmount:     c.TotalAmount,
		Status:          domain.OrderStatus(c.Status),
		Notes:           c.Notes,
		ShippingAddress: c.ShippingAddress,
		BillingAddress:  c.BillingAddress,
		CancelReason:    c.CancelReason,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		Items:           make([]domain.OrderItem, len(c.Items)),
	}
	for i, it := range c.Items {
		o.Items[i] = domain.OrderItem{
			ID:                 it.ID,
			OrderID:            c.ID,
			ProductID:          it.ProductID,
			Quantity:           it.Quantity,
			UnitPrice:          it.UnitPrice,
			ProductName:        it.ProductName,
			ProductDescription: it.ProductDescription,
		}
	}
	return o
}

var _ domain.OrderRepository = (*CachedOrderRepository)(nil)
