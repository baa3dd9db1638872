// CatalogService 主程序
// 功能：库存服务：商品目录、库存调整与告警，响应订单确认/取消与库存校验请求
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wyfcoding/fulfillment/internal/app"
	"github.com/wyfcoding/fulfillment/pkg/config"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/catalog/config.toml", "path to config file")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Logger, cfg.ServiceName); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info(ctx, "Starting CatalogService",
		"service", cfg.ServiceName,
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	// 3. 初始化基础设施：数据库、消息通道、发件箱、指标、HTTP
	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "Failed to initialize infrastructure", "error", err)
	}
	defer a.Close()

	// 4. 装配领域模块
	if _, err := app.RegisterCatalog(ctx, a); err != nil {
		logger.Fatal(ctx, "Failed to register catalog module", "error", err)
	}

	// 5. 运行直到收到退出信号
	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "CatalogService exited with error", "error", err)
	}
	logger.Info(context.Background(), "CatalogService stopped")
}
