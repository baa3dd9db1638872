// Package idempotency 记录已成功处理的消息 ID，用于消费端去重。
// 只在处理成功后标记，处理失败的消息在重投时仍会被处理。
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/wyfcoding/fulfillment/pkg/cache"
)

// Store 已处理消息集合
type Store interface {
	// Seen 判断 key 是否已处理
	Seen(ctx context.Context, key string) (bool, error)
	// Mark 标记 key 已处理，超过 TTL 后遗忘
	Mark(ctx context.Context, key string) error
}

// LocalStore 进程内实现，基于 bigcache，多副本部署时各副本独立
type LocalStore struct {
	cache *bigcache.BigCache
}

// NewLocalStore 创建进程内去重集合
func NewLocalStore(ctx context.Context, ttl time.Duration) (*LocalStore, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = cleanWindow(ttl)
	cfg.Verbose = false
	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &LocalStore{cache: c}, nil
}

func cleanWindow(ttl time.Duration) time.Duration {
	w := ttl / 10
	if w < time.Second {
		return time.Second
	}
	if w > 5*time.Minute {
		return 5 * time.Minute
	}
	return w
}

// Seen 判断 key 是否已处理
func (s *LocalStore) Seen(_ context.Context, key string) (bool, error) {
	_, err := s.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark 标记 key 已处理
func (s *LocalStore) Mark(_ context.Context, key string) error {
	return s.cache.Set(key, []byte{1})
}

// Close 释放缓存
func (s *LocalStore) Close() error {
	return s.cache.Close()
}

// RedisStore 基于 Redis 的共享实现，多副本共享同一去重集合
type RedisStore struct {
	cache  *cache.RedisCache
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 去重集合
func NewRedisStore(c *cache.RedisCache, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: c, prefix: prefix, ttl: ttl}
}

// Seen 判断 key 是否已处理
func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.cache.Exists(ctx, s.prefix+key)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark 标记 key 已处理
func (s *RedisStore) Mark(ctx context.Context, key string) error {
	_, err := s.cache.SetNX(ctx, s.prefix+key, 1, s.ttl)
	return err
}
