package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// lruCache 基于 golang-lru 的本地缓存，容量有上限，过期时间统一取配置值
type lruCache struct {
	mu  sync.Mutex // 保证 SetNX 的检查与写入原子
	lru *expirable.LRU[string, string]
}

// NewLocalCache 创建本地缓存
func NewLocalCache(config LocalConfig) Cache {
	size := config.MaxSize
	if size <= 0 {
		size = 1000
	}
	return &lruCache{
		lru: expirable.NewLRU[string, string](size, nil, config.DefaultExpiration),
	}
}

func (lc *lruCache) Get(ctx context.Context, key string) (string, bool) {
	return lc.lru.Get(key)
}

// Set 单条过期时间被忽略
func (lc *lruCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	lc.lru.Add(key, value)
	return nil
}

func (lc *lruCache) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.lru.Contains(key) {
		return false, nil
	}
	lc.lru.Add(key, value)
	return true, nil
}

func (lc *lruCache) Delete(ctx context.Context, key string) error {
	lc.lru.Remove(key)
	return nil
}

func (lc *lruCache) Close() error {
	lc.lru.Purge()
	return nil
}
