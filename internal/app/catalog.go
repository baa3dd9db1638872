package app

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/catalog/application"
	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/internal/catalog/infrastructure/messaging"
	"github.com/wyfcoding/fulfillment/internal/catalog/infrastructure/persistence/mysql"
	"github.com/wyfcoding/fulfillment/internal/catalog/interfaces/events"
	httphandler "github.com/wyfcoding/fulfillment/internal/catalog/interfaces/http"
)

// CatalogModule 库存域组件
type CatalogModule struct {
	Catalog   *application.CatalogCommandService
	Products  *application.CatalogQueryService
	Stock     *application.StockService
	Responder *application.StockSagaResponder
	Validator *application.StockValidator
}

// RegisterCatalog 装配库存域：商品仓储、库存服务、saga 响应方与校验器的订阅、HTTP 路由
func RegisterCatalog(ctx context.Context, a *App) (*CatalogModule, error) {
	if a.Config.Database.AutoMigrate {
		if err := mysql.AutoMigrate(ctx, a.DB.DB); err != nil {
			return nil, err
		}
	}

	repo := mysql.NewProductRepository(a.DB.DB)
	publisher := messaging.NewEventPublisher(a.Channel, a.Dispatcher)
	stock := application.NewStockService(repo, publisher, domain.NewThresholdPolicy(a.Config.Stock.LowThreshold), a.Metrics)

	m := &CatalogModule{
		Catalog:   application.NewCatalogCommandService(repo),
		Products:  application.NewCatalogQueryService(repo),
		Stock:     stock,
		Responder: application.NewStockSagaResponder(stock),
		Validator: application.NewStockValidator(repo, publisher),
	}

	if err := events.NewStockHandler(m.Responder, m.Validator).Subscribe(ctx, a.Channel); err != nil {
		return nil, err
	}
	httphandler.NewCatalogHandler(m.Catalog, m.Products, m.Stock).RegisterRoutes(&a.Router.RouterGroup)
	return m, nil
}
