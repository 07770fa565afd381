package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CrisisBridge/pkg/cache"
	"CrisisBridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdemStore 幂等键存储
type IdemStore interface {
	// Claim 键不存在时占用并返回 true
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// CacheIdemStore 基于 pkg/cache，redis 后端时多实例共享
type CacheIdemStore struct {
	Cache cache.Cache
}

func (s CacheIdemStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.Cache.SetNX(ctx, "idem:"+key, "1", ttl)
}

func (s CacheIdemStore) Release(ctx context.Context, key string) error {
	return s.Cache.Delete(ctx, "idem:"+key)
}

type IdempotencyConfig struct {
	HeaderName string        // Idempotency-Key 的请求头名
	TTL        time.Duration // 重复请求的识别窗口
	Store      IdemStore     // 为空时使用进程内 go-cache
	// KeyFunc 请求没有带幂等头时由请求体生成键，返回空串表示不做幂等。默认 BodyHashKey
	KeyFunc func(c *gin.Context, body []byte) string
}

// BodyHashKey 路径+请求体的哈希，只适合同样的请求体一定是同一事件的回调
func BodyHashKey(c *gin.Context, body []byte) string {
	h := sha256.Sum256(append([]byte(c.Request.URL.Path+"\n"), body...))
	return hex.EncodeToString(h[:])
}

// BodyFieldKey 取请求体中第一个非空字段（JSON 或表单）作为幂等键，通常是网关的消息 ID
func BodyFieldKey(fields ...string) func(c *gin.Context, body []byte) string {
	return func(c *gin.Context, body []byte) string {
		var v string
		if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
			form, err := url.ParseQuery(string(body))
			if err != nil {
				return ""
			}
			for _, f := range fields {
				if v = strings.TrimSpace(form.Get(f)); v != "" {
					break
				}
			}
		} else {
			var m map[string]any
			if err := json.Unmarshal(body, &m); err != nil {
				return ""
			}
			for _, f := range fields {
				if s, ok := m[f].(string); ok && strings.TrimSpace(s) != "" {
					v = strings.TrimSpace(s)
					break
				}
			}
		}
		if v == "" {
			return ""
		}
		return c.Request.URL.Path + ":" + v
	}
}

// IdempotencyMiddleware 短信网关会在超时后重投回调。
// 重复请求直接回 200，避免网关继续重试；处理失败(5xx)时释放键，允许重投
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = BodyHashKey
	}
	store := cfg.Store
	if store == nil {
		store = CacheIdemStore{Cache: cache.NewGoCache(cache.LocalConfig{
			DefaultExpiration: cfg.TTL,
			CleanupInterval:   time.Minute,
		})}
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" {
			b, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(b))
			if key = cfg.KeyFunc(c, b); key == "" {
				c.Next()
				return
			}
		}
		ok, err := store.Claim(c.Request.Context(), key, cfg.TTL)
		if err != nil {
			// 存储不可用时放行，业务层仍有按 ID 去重
			logger.Warn("idempotency store unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"code": 0, "msg": "duplicate request ignored", "duplicate": true})
			return
		}
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			if err := store.Release(context.Background(), key); err != nil {
				logger.Warn("release idempotency key failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}
