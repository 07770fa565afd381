package handlers

import (
	"time"

	"CrisisBridge/internal/engine"
	"CrisisBridge/pkg/metrics"
	"CrisisBridge/pkg/middleware"
	"CrisisBridge/pkg/sse"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

type Options struct {
	APIPrefix     string // 默认 /api
	WebhookSecret string
	WebhookSkew   time.Duration
	OpsSecret     string                  // /ops 接口的签名密钥，为空时沿用 WebhookSecret
	Idempotency   middleware.IdemStore    // 为空时进程内去重
	RateLimiter   *middleware.RateLimiter // 为空时不限流
	Gatherer      prometheus.Gatherer     // /metrics 数据源
}

type Handlers struct {
	engine  *engine.Engine
	db      *gorm.DB
	hub     *sse.Hub
	metrics *metrics.Metrics
	opts    Options
}

func NewHandlers(eng *engine.Engine, db *gorm.DB, hub *sse.Hub, m *metrics.Metrics, opts Options) *Handlers {
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api"
	}
	if opts.OpsSecret == "" {
		opts.OpsSecret = opts.WebhookSecret
	}
	return &Handlers{engine: eng, db: db, hub: hub, metrics: m, opts: opts}
}

func (h *Handlers) Register(r *gin.Engine) {
	r.Use(metrics.MonitorMiddleware(h.metrics))

	// Register System Module Routes
	h.registerSystemRoutes(r)

	api := r.Group(h.opts.APIPrefix)
	if h.opts.RateLimiter != nil {
		api.Use(h.opts.RateLimiter.Middleware())
	}
	h.registerAlertRoutes(api)

	h.registerWebhookRoutes(r.Group("/webhooks/sms"))
	h.registerOpsRoutes(r.Group("/ops"))
}

// Alert Module
func (h *Handlers) registerAlertRoutes(r *gin.RouterGroup) {
	alerts := r.Group("alerts")
	{
		alerts.POST("", h.handleCreateAlert)

		alerts.GET("/:id", h.handleGetAlert)

		alerts.POST("/:id/responses", h.handleSubmitResponse)

		alerts.POST("/:id/resolve", h.handleResolveAlert)
	}
}

// 短信网关回调，网关会重投，全部做幂等
func (h *Handlers) registerWebhookRoutes(r *gin.RouterGroup) {
	signed := middleware.SignVerifyMiddleware(h.opts.WebhookSecret, h.opts.WebhookSkew)
	// 同一联系人可能对不同警报回复相同内容，只按网关消息 ID 去重
	replyIdem := middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{
		Store:   h.opts.Idempotency,
		KeyFunc: middleware.BodyFieldKey("messageId", "MessageSid"),
	})
	statusIdem := middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{Store: h.opts.Idempotency})

	r.POST("/reply", signed, replyIdem, h.handleSMSReply)

	r.POST("/status", signed, statusIdem, h.handleSMSStatus)
}

// 事件流包含患者的求助内容，与网关回调一样要求签名
func (h *Handlers) registerOpsRoutes(r *gin.RouterGroup) {
	r.Use(middleware.SignVerifyMiddleware(h.opts.OpsSecret, h.opts.WebhookSkew))
	r.GET("/stream", h.handleOpsStream)
}

func (h *Handlers) registerSystemRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)

	r.GET("/metrics", metrics.Handler(h.opts.Gatherer))
}
