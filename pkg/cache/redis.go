package cache

import (
	"context"
	"time"

	"CrisisBridge/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// redisCache Redis缓存实现，多实例部署时共享
type redisCache struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisCache 创建Redis缓存
func NewRedisCache(config RedisConfig) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return NewRedisCacheWithClient(client, config), nil
}

// NewRedisCacheWithClient 复用已有连接（测试中可接 miniredis 等）
func NewRedisCacheWithClient(client *redis.Client, config RedisConfig) Cache {
	return &redisCache{client: client, config: config}
}

func (rc *redisCache) key(k string) string {
	return rc.config.KeyPrefix + k
}

func (rc *redisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := rc.client.Get(ctx, rc.key(key)).Result()
	if err != nil {
		// redis.Nil 与连接错误都按未命中处理，回源读库
		return "", false
	}
	return val, true
}

func (rc *redisCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return errors.Wrapf(rc.client.Set(ctx, rc.key(key), value, expiration).Err(), "redis set %s", key)
}

func (rc *redisCache) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	ok, err := rc.client.SetNX(ctx, rc.key(key), value, expiration).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis setnx %s", key)
	}
	return ok, nil
}

func (rc *redisCache) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(rc.client.Del(ctx, rc.key(key)).Err(), "redis del %s", key)
}

func (rc *redisCache) Close() error {
	return rc.client.Close()
}
