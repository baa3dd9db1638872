package application

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// CatalogQueryService 商品目录查询服务
type CatalogQueryService struct {
	repo domain.ProductRepository
}

// NewCatalogQueryService 创建商品目录查询服务实例
func NewCatalogQueryService(repo domain.ProductRepository) *CatalogQueryService {
	return &CatalogQueryService{repo: repo}
}

// GetProduct 根据ID获取商品信息
func (s *CatalogQueryService) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, xerrors.Newf(xerrors.NotFound, "product %d not found", id)
	}
	return p, nil
}

// ListProducts 分页列出商品，page 从 1 开始
func (s *CatalogQueryService) ListProducts(ctx context.Context, page, size int) ([]*domain.Product, int64, error) {
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, offset, size)
}
