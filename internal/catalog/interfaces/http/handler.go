// Package http 库存域 HTTP 接口
package http

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/internal/catalog/application"
	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/pkg/response"
)

// CatalogHandler 商品与库存接口
type CatalogHandler struct {
	cmd   *application.CatalogCommandService
	query *application.CatalogQueryService
	stock *application.StockService
}

// NewCatalogHandler 创建 HTTP 处理器实例
func NewCatalogHandler(cmd *application.CatalogCommandService, query *application.CatalogQueryService, stock *application.StockService) *CatalogHandler {
	return &CatalogHandler{cmd: cmd, query: query, stock: stock}
}

// RegisterRoutes 注册路由
func (h *CatalogHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1")
	{
		api.POST("/products", h.CreateProduct)
		api.GET("/products", h.ListProducts)
		api.GET("/products/:id", h.GetProduct)
		api.GET("/products/:id/stock", h.GetStock)
		api.POST("/products/:id/stock", h.AdjustStock)
		api.GET("/stock/low", h.ListLowStock)
		api.GET("/stock/out", h.ListOutOfStock)
	}
}

// ProductResponse 商品
type ProductResponse struct {
	ID          int64   `json:"id"`
	Label       string  `json:"label"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

func toProductResponse(p *domain.Product) ProductResponse {
	return ProductResponse{
		ID:          p.ID,
		Label:       p.Label,
		Description: p.Description,
		Price:       p.Price.InexactFloat64(),
		Stock:       p.Stock,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   p.UpdatedAt.Format(time.RFC3339),
	}
}

func toProductResponses(ps []*domain.Product) []ProductResponse {
	out := make([]ProductResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, toProductResponse(p))
	}
	return out
}

// CreateProductRequest 创建商品请求
type CreateProductRequest struct {
	Label       string          `json:"label" binding:"required"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
}

// CreateProduct 创建商品
func (h *CatalogHandler) CreateProduct(c *gin.Context) {
	var req CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, err := h.cmd.CreateProduct(c.Request.Context(), application.CreateProductCommand{
		Label:       req.Label,
		Description: req.Description,
		Price:       req.Price,
		Stock:       req.Stock,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, toProductResponse(p))
}

// ListProducts 分页列出商品
func (h *CatalogHandler) ListProducts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	products, total, err := h.query.ListProducts(c.Request.Context(), page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"items": toProductResponses(products), "total": total})
}

// GetProduct 获取商品
func (h *CatalogHandler) GetProduct(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.query.GetProduct(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toProductResponse(p))
}

// GetStock 查询库存
func (h *CatalogHandler) GetStock(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	level, err := h.stock.GetStockLevel(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"productId": id, "stock": level})
}

// AdjustStockRequest 库存调整请求，quantity 为带符号数量
type AdjustStockRequest struct {
	Quantity int    `json:"quantity" binding:"required"`
	Reason   string `json:"reason"`
	OrderID  *int64 `json:"orderId"`
}

// AdjustStock 手工调整库存
func (h *CatalogHandler) AdjustStock(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	reason := domain.StockReason(req.Reason)
	if reason == "" {
		reason = domain.ReasonManualAdjustment
	}
	res, err := h.stock.AdjustStock(c.Request.Context(), domain.Adjustment{
		ProductID: id,
		Quantity:  req.Quantity,
		Reason:    reason,
		OrderID:   req.OrderID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{
		"productId": id,
		"oldStock":  res.Movement.OldStock,
		"newStock":  res.Movement.NewStock,
		"quantity":  res.Movement.Quantity,
		"reason":    res.Movement.Reason,
		"applied":   res.Applied,
	})
}

// ListLowStock 低库存商品
func (h *CatalogHandler) ListLowStock(c *gin.Context) {
	products, err := h.stock.ListLowStock(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"threshold": h.stock.LowThreshold(), "items": toProductResponses(products)})
}

// ListOutOfStock 缺货商品
func (h *CatalogHandler) ListOutOfStock(c *gin.Context) {
	products, err := h.stock.ListOutOfStock(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"items": toProductResponses(products)})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}
