package cache

import (
	"context"
	"strings"
	"time"

	"CrisisBridge/pkg/errors"
)

// NewCache 创建缓存实例
func NewCache(config Config) (Cache, error) {
	switch strings.ToLower(config.Type) {
	case "", "local":
		return NewLocalCache(config.Local), nil
	case "gocache":
		return NewGoCache(config.Local), nil
	case "redis":
		return NewRedisCache(config.Redis)
	default:
		return nil, errors.WithCodef(errors.CodeInvalidRequest, "unsupported cache type: %s", config.Type)
	}
}

// NewCacheWithOptions 创建带选项的缓存实例
func NewCacheWithOptions(config Config, options *Options) (Cache, error) {
	if options == nil {
		options = DefaultOptions()
	}

	// 如果启用本地缓存作为一级缓存，创建分层缓存
	if options.UseLocalCache && strings.ToLower(config.Type) == "redis" {
		distributed, err := NewRedisCache(config.Redis)
		if err != nil {
			return nil, err
		}
		return NewLayeredCache(distributed, config.Local, options), nil
	}

	return NewCache(config)
}

// NewLayeredCache 创建分层缓存（本地 go-cache + 分布式缓存）
func NewLayeredCache(distributed Cache, local LocalConfig, options *Options) Cache {
	if options.LocalExpiration > 0 {
		local.DefaultExpiration = options.LocalExpiration
	}
	return &layeredCache{
		local:       NewGoCache(local),
		distributed: distributed,
		options:     options,
	}
}

// layeredCache 分层缓存实现
type layeredCache struct {
	local       Cache
	distributed Cache
	options     *Options
}

// Get 从本地缓存获取，如果没有则从分布式缓存获取并回填本地缓存
func (lc *layeredCache) Get(ctx context.Context, key string) (string, bool) {
	if value, ok := lc.local.Get(ctx, key); ok {
		return value, true
	}
	if value, ok := lc.distributed.Get(ctx, key); ok {
		lc.local.Set(ctx, key, value, lc.options.LocalExpiration)
		return value, true
	}
	return "", false
}

// Set 同时设置到本地和分布式缓存
func (lc *layeredCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := lc.distributed.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return lc.local.Set(ctx, key, value, lc.options.LocalExpiration)
}

// SetNX 只在分布式层判定，本地层不参与抢占
func (lc *layeredCache) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	return lc.distributed.SetNX(ctx, key, value, expiration)
}

// Delete 从两个缓存层删除
func (lc *layeredCache) Delete(ctx context.Context, key string) error {
	if err := lc.local.Delete(ctx, key); err != nil {
		return err
	}
	return lc.distributed.Delete(ctx, key)
}

func (lc *layeredCache) Close() error {
	if err := lc.local.Close(); err != nil {
		return err
	}
	return lc.distributed.Close()
}
