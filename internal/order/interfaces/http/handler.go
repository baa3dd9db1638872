// Package http 订单域 HTTP 接口
package http

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/internal/order/application"
	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/pkg/response"
)

// OrderHandler 订单接口
type OrderHandler struct {
	cmd   *application.OrderCommandService
	query *application.OrderQueryService
}

// NewOrderHandler 创建 HTTP 处理器实例
func NewOrderHandler(cmd *application.OrderCommandService, query *application.OrderQueryService) *OrderHandler {
	return &OrderHandler{cmd: cmd, query: query}
}

// RegisterRoutes 注册路由
func (h *OrderHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1")
	{
		api.POST("/orders", h.CreateOrder)
		api.GET("/orders", h.ListOrders)
		api.GET("/orders/:id", h.GetOrder)
		api.PATCH("/orders/:id", h.UpdateOrder)
		api.PATCH("/orders/:id/status", h.UpdateStatus)
		api.PUT("/orders/:id/items", h.ReplaceItems)
		api.DELETE("/orders/:id", h.DeleteOrder)
		api.GET("/orders/:id/total", h.GetTotal)
	}
}

// ItemRequest 订单行
type ItemRequest struct {
	ProductID          int64           `json:"productId"`
	Quantity           int             `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	ProductName        string          `json:"productName"`
	ProductDescription string          `json:"productDescription"`
}

// CreateOrderRequest 下单请求
type CreateOrderRequest struct {
	CustomerID      int64         `json:"customerId"`
	Items           []ItemRequest `json:"items"`
	Notes           string        `json:"notes"`
	ShippingAddress string        `json:"shippingAddress"`
	BillingAddress  string        `json:"billingAddress"`
}

// UpdateOrderRequest 更新请求，items 缺省时保留原订单行
type UpdateOrderRequest struct {
	Notes           string         `json:"notes"`
	ShippingAddress string         `json:"shippingAddress"`
	BillingAddress  string         `json:"billingAddress"`
	Items           *[]ItemRequest `json:"items"`
}

// UpdateStatusRequest 状态流转请求
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// ReplaceItemsRequest 替换订单行请求
type ReplaceItemsRequest struct {
	Items []ItemRequest `json:"items"`
}

// ItemResponse 订单行
type ItemResponse struct {
	ID                 int64   `json:"id"`
	ProductID          int64   `json:"productId"`
	Quantity           int     `json:"quantity"`
	Price              float64 `json:"price"`
	LineTotal          float64 `json:"lineTotal"`
	ProductName        string  `json:"productName,omitempty"`
	ProductDescription string  `json:"productDescription,omitempty"`
}

// OrderResponse 订单
type OrderResponse struct {
	ID              int64          `json:"id"`
	CustomerID      int64          `json:"customerId"`
	Status          string         `json:"status"`
	TotalAmount     float64        `json:"totalAmount"`
	Items           []ItemResponse `json:"items"`
	Notes           string         `json:"notes,omitempty"`
	ShippingAddress string         `json:"shippingAddress,omitempty"`
	BillingAddress  string         `json:"billingAddress,omitempty"`
	CancelReason    string         `json:"cancelReason,omitempty"`
	CreatedAt       string         `json:"createdAt"`
	UpdatedAt       string         `json:"updatedAt"`
}

func toOrderResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		Status:          string(o.Status),
		TotalAmount:     o.TotalAmount.InexactFloat64(),
		Items:           make([]ItemResponse, 0, len(o.Items)),
		Notes:           o.Notes,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		CancelReason:    o.CancelReason,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       o.UpdatedAt.Format(time.RFC3339),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, ItemResponse{
			ID:                 it.ID,
			ProductID:          it.ProductID,
			Quantity:           it.Quantity,
			Price:              it.UnitPrice.InexactFloat64(),
			LineTotal:          it.LineTotal().InexactFloat64(),
			ProductName:        it.ProductName,
			ProductDescription: it.ProductDescription,
		})
	}
	return resp
}

func toItems(reqs []ItemRequest) []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, domain.OrderItem{
			ProductID:          r.ProductID,
			Quantity:           r.Quantity,
			UnitPrice:          r.Price,
			ProductName:        r.ProductName,
			ProductDescription: r.ProductDescription,
		})
	}
	return items
}

// CreateOrder 下单
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	o, err := h.cmd.CreateOrder(c.Request.Context(), application.CreateOrderCommand{
		CustomerID: req.CustomerID,
		Items:      toItems(req.Items),
		Details: domain.Details{
			Notes:           req.Notes,
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  req.BillingAddress,
		},
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, toOrderResponse(o))
}

// ListOrders 按客户与状态过滤，最新的在前
func (h *OrderHandler) ListOrders(c *gin.Context) {
	var filter domain.ListFilter
	if v := c.Query("customer_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			response.BadRequest(c, "customer_id must be a positive integer")
			return
		}
		filter.CustomerID = id
	}
	filter.Status = domain.OrderStatus(c.Query("status"))
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	orders, err := h.query.ListOrders(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		items = append(items, toOrderResponse(o))
	}
	response.Success(c, gin.H{"items": items})
}

// GetOrder 获取订单
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	o, err := h.query.GetOrder(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toOrderResponse(o))
}

// UpdateOrder 更新订单信息
func (h *OrderHandler) UpdateOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	cmd := application.UpdateOrderCommand{
		OrderID: id,
		Details: domain.Details{
			Notes:           req.Notes,
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  req.BillingAddress,
		},
	}
	if req.Items != nil {
		cmd.Items = toItems(*req.Items)
	}
	o, err := h.cmd.UpdateOrder(c.Request.Context(), cmd)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toOrderResponse(o))
}

// UpdateStatus 流转订单状态
func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	o, err := h.cmd.UpdateStatus(c.Request.Context(), id, domain.OrderStatus(req.Status), req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toOrderResponse(o))
}

// ReplaceItems 替换全部订单行
func (h *OrderHandler) ReplaceItems(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ReplaceItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	o, err := h.cmd.ReplaceItems(c.Request.Context(), id, toItems(req.Items))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toOrderResponse(o))
}

// DeleteOrder 删除订单
func (h *OrderHandler) DeleteOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.cmd.DeleteOrder(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": id, "deleted": true})
}

// GetTotal 按库中订单行重算总额
func (h *OrderHandler) GetTotal(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	total, err := h.query.CalculateOrderTotal(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"orderId": id, "totalAmount": total.InexactFloat64()})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}
