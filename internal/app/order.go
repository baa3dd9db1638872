package app

import (
	"context"

	"github.com/wyfcoding/fulfillment/internal/order/application"
	"github.com/wyfcoding/fulfillment/internal/order/domain"
	"github.com/wyfcoding/fulfillment/internal/order/infrastructure/messaging"
	"github.com/wyfcoding/fulfillment/internal/order/infrastructure/persistence/mysql"
	"github.com/wyfcoding/fulfillment/internal/order/infrastructure/persistence/redis"
	"github.com/wyfcoding/fulfillment/internal/order/interfaces/events"
	httphandler "github.com/wyfcoding/fulfillment/internal/order/interfaces/http"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// OrderModule 订单域组件
type OrderModule struct {
	Commands    *application.OrderCommandService
	Queries     *application.OrderQueryService
	Coordinator *application.SagaCoordinator
	Sweeper     *application.PendingSweeper
}

// RegisterOrder 装配订单域：仓储、服务、saga 协调方的订阅、超时清理任务与 HTTP 路由
func RegisterOrder(ctx context.Context, a *App) (*OrderModule, error) {
	if a.Config.Database.AutoMigrate {
		if err := mysql.AutoMigrate(ctx, a.DB.DB); err != nil {
			return nil, err
		}
	}

	var repo domain.OrderRepository = mysql.NewOrderRepository(a.DB.DB)
	if a.Redis != nil && a.Config.Redis.CacheTTL > 0 {
		repo = redis.NewCachedOrderRepository(repo, a.Redis, a.Config.Redis.CacheTTL)
		logger.Info(ctx, "order read cache enabled", "ttl", a.Config.Redis.CacheTTL)
	}

	publisher := messaging.NewEventPublisher(a.Dispatcher)
	m := &OrderModule{
		Commands: application.NewOrderCommandService(repo, publisher, a.Metrics),
		Queries:  application.NewOrderQueryService(repo),
	}
	m.Coordinator = application.NewSagaCoordinator(m.Commands, publisher)
	m.Sweeper = application.NewPendingSweeper(repo, m.Commands, a.Config.Saga)

	if err := events.NewValidationHandler(m.Coordinator).Subscribe(ctx, a.Channel); err != nil {
		return nil, err
	}
	if m.Sweeper.Enabled() {
		a.AddTask("pending-sweeper", m.Sweeper.Run)
	}
	httphandler.NewOrderHandler(m.Commands, m.Queries).RegisterRoutes(&a.Router.RouterGroup)
	return m, nil
}
