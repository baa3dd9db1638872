// Package ratelimit 提供基于 Redis 的 GCRA 限流
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimiter 限流器接口
type RateLimiter interface {
	// Allow 检查 key 在给定规则下是否放行
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// Limit 限流规则
type Limit struct {
	Rate   int
	Period time.Duration
	Burst  int
}

// PerSecond 每秒 rate 个请求，突发 burst
func PerSecond(rate, burst int) Limit {
	if burst < rate {
		burst = rate
	}
	return Limit{Rate: rate, Period: time.Second, Burst: burst}
}

// Result 限流结果
type Result struct {
	Allowed    bool
	Limit      Limit
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// RedisRateLimiter 多实例共享的 Redis 限流器
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	prefix  string
}

// NewRedisRateLimiter 创建限流器，prefix 用于隔离不同服务的计数
func NewRedisRateLimiter(rdb *redis.Client, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		prefix:  prefix,
	}
}

// Allow 检查是否放行
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	res, err := r.limiter.Allow(ctx, r.prefix+key, redis_rate.Limit{
		Rate:   limit.Rate,
		Period: limit.Period,
		Burst:  limit.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	return &Result{
		Allowed:    res.Allowed > 0,
		Limit:      limit,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}, nil
}
