package application

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// CreateProductCommand 创建商品命令
type CreateProductCommand struct {
	Label       string
	Description string
	Price       decimal.Decimal
	Stock       int
}

// CatalogCommandService 商品目录命令服务
type CatalogCommandService struct {
	repo domain.ProductRepository
}

// NewCatalogCommandService 创建商品目录命令服务实例
func NewCatalogCommandService(repo domain.ProductRepository) *CatalogCommandService {
	return &CatalogCommandService{repo: repo}
}

// CreateProduct 创建商品并登记初始库存
func (s *CatalogCommandService) CreateProduct(ctx context.Context, cmd CreateProductCommand) (*domain.Product, error) {
	product, err := domain.NewProduct(cmd.Label, cmd.Description, cmd.Price, cmd.Stock)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, product); err != nil {
		return nil, err
	}
	logger.Info(ctx, "product created", "product_id", product.ID, "label", product.Label, "stock", product.Stock)
	return product, nil
}
