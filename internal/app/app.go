// Package app 进程容器：按配置构建共享基础设施（数据库、Redis、消息通道、发件箱、指标、HTTP），
// 由各领域模块注册自己的仓储、处理器与后台任务，最后统一启动与关停。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/fulfillment/pkg/cache"
	"github.com/wyfcoding/fulfillment/pkg/config"
	"github.com/wyfcoding/fulfillment/pkg/db"
	"github.com/wyfcoding/fulfillment/pkg/idempotency"
	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/metrics"
	"github.com/wyfcoding/fulfillment/pkg/middleware"
	"github.com/wyfcoding/fulfillment/pkg/mq"
	"github.com/wyfcoding/fulfillment/pkg/outbox"
	"github.com/wyfcoding/fulfillment/pkg/ratelimit"
	"github.com/wyfcoding/fulfillment/pkg/tracing"
)

// Task 随进程运行的后台任务，ctx 结束时返回
type Task func(ctx context.Context) error

// App 进程内共享的基础设施
type App struct {
	Config      *config.Config
	DB          *db.DB
	Redis       *cache.RedisCache
	Channel     mq.Channel
	DeadLetters mq.DeadLetterSink // amqp 驱动使用死信交换机时为空
	Metrics     *metrics.Metrics
	Outbox      *outbox.Store
	Dispatcher  *outbox.Dispatcher
	Router      *gin.Engine

	tasks   map[string]Task
	closers []func() error
}

// Option 覆盖默认构建方式，主要用于测试
type Option func(*options)

type options struct {
	database   *db.DB
	redis      *cache.RedisCache
	registerer prometheus.Registerer
}

// WithDatabase 使用已打开的数据库
func WithDatabase(d *db.DB) Option {
	return func(o *options) { o.database = d }
}

// WithRedis 使用已有的 Redis 客户端
func WithRedis(c *cache.RedisCache) Option {
	return func(o *options) { o.redis = c }
}

// WithRegisterer 指定指标注册表
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New 按配置构建基础设施。失败时已创建的资源会被释放。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, tasks: make(map[string]Task)}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	shutdown, err := tracing.Init(ctx, cfg.Tracing, cfg.ServiceName, cfg.Version, cfg.Environment)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	a.Metrics = metrics.New(cfg.ServiceName)
	if err := a.Metrics.Register(o.registerer); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if err := a.openDatabase(o.database); err != nil {
		return nil, err
	}
	if err := a.openRedis(o.redis); err != nil {
		return nil, err
	}
	if err := a.openChannel(ctx); err != nil {
		return nil, err
	}
	if err := a.openOutbox(ctx); err != nil {
		return nil, err
	}
	a.buildRouter()
	ready = true
	return a, nil
}

func (a *App) openDatabase(existing *db.DB) error {
	if existing != nil {
		a.DB = existing
		return nil
	}
	d, err := db.Init(a.Config.Database)
	if err != nil {
		return err
	}
	a.DB = d
	a.onClose(d.Close)
	return nil
}

// needsRedis 只有 Redis 去重、限流或订单缓存需要 Redis
func (a *App) needsRedis() bool {
	cfg := a.Config
	return cfg.Dedup.Backend == "redis" || cfg.HTTP.RateLimit.Enabled || cfg.Redis.CacheTTL > 0
}

func (a *App) openRedis(existing *cache.RedisCache) error {
	if existing != nil {
		a.Redis = existing
		return nil
	}
	if !a.needsRedis() {
		return nil
	}
	c, err := cache.New(a.Config.Redis)
	if err != nil {
		return err
	}
	a.Redis = c
	a.onClose(c.Close)
	return nil
}

func (a *App) openChannel(ctx context.Context) error {
	cfg := a.Config

	var store idempotency.Store
	switch cfg.Dedup.Backend {
	case "redis":
		store = idempotency.NewRedisStore(a.Redis, cfg.ServiceName+":dedup:", cfg.Dedup.TTL)
	default:
		local, err := idempotency.NewLocalStore(ctx, cfg.Dedup.TTL)
		if err != nil {
			return err
		}
		a.onClose(local.Close)
		store = local
	}

	opts := mq.Options{
		Concurrency:    cfg.Broker.Concurrency,
		MaxRetries:     cfg.Broker.MaxRetries,
		PublishTimeout: cfg.Broker.PublishTimeout,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
		// Recover 与 Trace 由通道为每个订阅内置
		Middlewares: []mq.Middleware{mq.Dedup(store)},
		Metrics:     a.Metrics,
	}
	switch {
	case cfg.Broker.DeadLetter == "kafka":
		sink := mq.NewKafkaDeadLetterSink(mq.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.DeadLetterTopic})
		a.onClose(sink.Close)
		opts.DeadLetters = sink
	case cfg.Broker.Driver == "memory":
		opts.DeadLetters = mq.NewMemoryDeadLetters()
	}
	a.DeadLetters = opts.DeadLetters

	switch cfg.Broker.Driver {
	case "memory":
		a.Channel = mq.NewMemoryChannel(opts)
	default:
		ch, err := mq.DialAMQP(cfg.Broker.URL, opts)
		if err != nil {
			return err
		}
		a.Channel = ch
	}
	a.onClose(a.Channel.Close)
	logger.Info(ctx, "message channel ready", "driver", cfg.Broker.Driver, "dedup", cfg.Dedup.Backend, "dead_letter", cfg.Broker.DeadLetter)
	return nil
}

func (a *App) openOutbox(ctx context.Context) error {
	if !a.Config.Outbox.Enabled {
		a.Dispatcher = outbox.NewDispatcher(a.Channel, nil)
		return nil
	}
	a.Outbox = outbox.NewStore(a.DB.DB)
	if a.Config.Database.AutoMigrate {
		if err := a.Outbox.AutoMigrate(ctx); err != nil {
			return err
		}
	}
	a.Dispatcher = outbox.NewDispatcher(a.Channel, a.Outbox)
	a.AddTask("outbox-relay", outbox.NewRelay(a.Outbox, a.Channel, a.Config.Outbox, a.Metrics).Run)
	return nil
}

func (a *App) buildRouter() {
	cfg := a.Config
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.GinRequestID())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.GinLoggingMiddleware(a.Metrics))
	r.Use(middleware.GinRecoveryMiddleware())
	r.Use(middleware.GinCORSMiddleware())
	if cfg.HTTP.RateLimit.Enabled && a.Redis != nil {
		limiter := ratelimit.NewRedisRateLimiter(a.Redis.GetClient(), cfg.ServiceName+":ratelimit:")
		r.Use(middleware.RateLimitMiddleware(limiter, rateLimitPolicy(cfg.HTTP.RateLimit), a.Metrics))
	}

	r.GET("/healthz", a.health)
	a.Router = r
}

func rateLimitPolicy(cfg config.RateLimitConfig) *ratelimit.Policy {
	policy := ratelimit.NewPolicy(ratelimit.PerSecond(cfg.QPS, cfg.Burst))
	for _, route := range cfg.Routes {
		policy.Route(route.Method, route.Path, ratelimit.PerSecond(route.QPS, route.Burst))
	}
	return policy
}

func (a *App) health(c *gin.Context) {
	status := http.StatusOK
	dbState := "up"
	if sqlDB, err := a.DB.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status, dbState = http.StatusServiceUnavailable, "down"
	}
	c.JSON(status, gin.H{
		"service":   a.Config.ServiceName,
		"version":   a.Config.Version,
		"database":  dbState,
		"timestamp": time.Now().Unix(),
	})
}

// AddTask 注册后台任务，同名任务会被覆盖
func (a *App) AddTask(name string, t Task) {
	a.tasks[name] = t
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Run 启动 HTTP、指标服务与全部后台任务，阻塞直到 ctx 结束或任一组件失败
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      a.Router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	g.Go(func() error {
		logger.Info(gctx, "starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	for name, task := range a.tasks {
		name, task := name, task
		g.Go(func() error {
			if err := task(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutting down", "service", cfg.ServiceName)
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(sctx)
		}
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// Close 按创建的逆序释放资源
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Error(context.Background(), "failed to release resource", "error", err)
		}
	}
	a.closers = nil
}
