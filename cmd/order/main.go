// OrderService 主程序
// 功能：订单服务：下单、状态流转、订单行维护，作为订单 saga 的协调方消费库存校验结果
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
	configPath := flag.String("config", "configs/order/config.toml", "path to config file")
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
	logger.Info(ctx, "Starting OrderService",
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
	if _, err := app.RegisterOrder(ctx, a); err != nil {
		logger.Fatal(ctx, "Failed to register order module", "error", err)
	}

	// 5. 运行直到收到退出信号
	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "OrderService exited with error", "error", err)
	}
	logger.Info(context.Background(), "OrderService stopped")
}
