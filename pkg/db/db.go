// Package db 提供 GORM 初始化、连接池配置、事务助手与日志适配
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/wyfcoding/fulfillment/pkg/config"
	"github.com/wyfcoding/fulfillment/pkg/logger"
)

// DB 数据库实例包装
type DB struct {
	*gorm.DB
}

// Init 按配置的驱动建立连接
func Init(cfg config.DatabaseConfig) (*DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	d, err := Open(dialector, cfg)
	if err != nil {
		return nil, err
	}
	if err := d.Use(tracing.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to register tracing plugin: %w", err)
	}

	sqlDB, err := d.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info(context.Background(), "database connected", "driver", cfg.Driver)
	return d, nil
}

// Open 用给定方言打开连接。唯一约束冲突会被翻译为 gorm.ErrDuplicatedKey。
func Open(dialector gorm.Dialector, cfg config.DatabaseConfig) (*DB, error) {
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(cfg.LogEnabled, cfg.SlowQueryThreshold),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: gdb}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx 在事务中执行函数，fn 返回错误时回滚
func (d *DB) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.DB.WithContext(ctx).Transaction(fn)
}

// IsNotFound 判断是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsDuplicate 判断是否为唯一约束冲突
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// GormLogger 把 GORM 日志接到 slog
type GormLogger struct {
	enabled            bool
	slowQueryThreshold time.Duration
}

// NewGormLogger 创建 GORM 日志记录器
func NewGormLogger(enabled bool, slowQueryThreshold time.Duration) *GormLogger {
	return &GormLogger{
		enabled:            enabled,
		slowQueryThreshold: slowQueryThreshold,
	}
}

// LogMode 实现 gormlogger.Interface
func (l *GormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

// Info 记录信息日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.enabled {
		logger.Info(ctx, msg, "data", data)
	}
}

// Warn 记录警告日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	logger.Warn(ctx, msg, "data", data)
}

// Error 记录错误日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	logger.Error(ctx, msg, "data", data)
}

// Trace 记录 SQL 执行情况。记录不存在和唯一冲突属于业务分支，不按错误记录。
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	slow := l.slowQueryThreshold > 0 && elapsed > l.slowQueryThreshold
	failed := err != nil && !IsNotFound(err) && !IsDuplicate(err)
	if !l.enabled && !slow && !failed {
		return
	}

	sqlStr, rows := fc()
	args := []any{"duration", elapsed, "rows", rows, "sql", sqlStr}

	switch {
	case failed:
		logger.Error(ctx, "sql execution failed", append(args, "error", err)...)
	case slow:
		logger.Warn(ctx, "slow query detected", args...)
	default:
		logger.Debug(ctx, "sql executed", args...)
	}
}
