package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"CrisisBridge/internal/archive"
	"CrisisBridge/internal/dispatch"
	"CrisisBridge/internal/engine"
	"CrisisBridge/internal/escalation"
	handlers "CrisisBridge/internal/handler"
	"CrisisBridge/internal/listeners"
	"CrisisBridge/internal/store"
	"CrisisBridge/pkg/cache"
	"CrisisBridge/pkg/config"
	"CrisisBridge/pkg/i18n"
	"CrisisBridge/pkg/logger"
	"CrisisBridge/pkg/metrics"
	"CrisisBridge/pkg/middleware"
	"CrisisBridge/pkg/notification"
	"CrisisBridge/pkg/scheduler"
	"CrisisBridge/pkg/sse"
	"CrisisBridge/pkg/storage"
	"CrisisBridge/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	// 1. 加载配置
	if err := config.Load(); err != nil {
		fmt.Printf("load config failed: %v\n", err)
		os.Exit(1)
	}
	cfg := config.GlobalConfig

	// 2. 初始化日志
	if err := logger.Init(cfg.Log, cfg.Mode); err != nil {
		fmt.Printf("init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if cfg.Mode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. 数据库与指标
	reg := prometheus.DefaultRegisterer
	m := metrics.NewMetrics(reg)
	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN, gormlogger.Warn)
	if err != nil {
		logger.Lg().Fatal("init database failed", zap.Error(err))
	}
	if err := db.Use(&metrics.GormPlugin{Metrics: m, SlowThreshold: cfg.SlowQuery}); err != nil {
		logger.Lg().Fatal("register gorm metrics failed", zap.Error(err))
	}
	st := store.NewGormStore(db)
	if err := st.AutoMigrate(); err != nil {
		logger.Lg().Fatal("migrate failed", zap.Error(err))
	}

	// 4. 缓存、短信通道、模板
	c, err := cache.NewCacheWithOptions(cfg.Cache, cache.DefaultOptions())
	if err != nil {
		logger.Lg().Fatal("init cache failed", zap.Error(err))
	}
	defer c.Close()
	tr, err := i18n.NewI18nSupport(cfg.Dispatch.DefaultLocale, cfg.Dispatch.LocaleDir)
	if err != nil {
		logger.Lg().Fatal("load sms templates failed", zap.Error(err))
	}
	sms := newSMSSender(cfg.Dispatch)

	eng := engine.New(engine.Options{
		Store:   st,
		SMS:     sms,
		I18n:    tr,
		Cache:   c,
		Signals: util.Sig(),
		Metrics: m,
		Dispatch: dispatch.Config{
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			InitialBackoff: cfg.Dispatch.InitialBackoff,
			SendTimeout:    cfg.Dispatch.SendTimeout,
			DefaultLocale:  cfg.Dispatch.DefaultLocale,
		},
		Escalation: escalation.Config{
			DefaultWindow:  cfg.Escalation.DefaultWindow,
			CriticalWindow: cfg.Escalation.CriticalWindow,
			MaxTiers:       cfg.Escalation.MaxTiers,
			StallAfter:     cfg.Escalation.StallAfter,
		},
	})

	// 5. 运营通知
	hub := sse.NewHub(15*time.Second, 256)
	op := listeners.Operator{Store: st, Hub: hub, Recipients: cfg.OperatorEmails, I18n: tr, Locale: cfg.Dispatch.DefaultLocale}
	if cfg.Mail.Host != "" {
		op.Mail = notification.NewMailNotification(cfg.Mail)
	}
	listeners.InitAlertListeners(util.Sig(), op)

	// 6. 升级扫描与归档
	sched := scheduler.New()
	sched.Every("escalation-sweep", cfg.Escalation.SweepInterval, scheduler.FuncJob(func(ctx context.Context) {
		if _, err := eng.Sweep(ctx); err != nil {
			logger.Error("escalation sweep failed", zap.Error(err))
		}
	}))
	// 启动后立即恢复上次进程中断的警报
	sched.OnceAfter("startup-recovery", time.Second, scheduler.FuncJob(func(ctx context.Context) {
		if res, err := eng.Sweep(ctx); err == nil && res.Due+res.Stalled > 0 {
			logger.Info("recovered alerts after restart", zap.Int("due", res.Due), zap.Int("stalled", res.Stalled))
		}
	}))
	cron := scheduler.NewCron(time.UTC)
	if cfg.Archive.Enabled {
		objects, err := newObjectStore(cfg.Archive)
		if err != nil {
			logger.Lg().Fatal("init archive storage failed", zap.Error(err))
		}
		ar := archive.New(st, objects, time.Duration(cfg.Archive.AfterDays)*24*time.Hour, nil, m)
		if _, err := cron.Add(cfg.Archive.Schedule, ar); err != nil {
			logger.Lg().Fatal("invalid archive schedule", zap.String("schedule", cfg.Archive.Schedule), zap.Error(err))
		}
	}
	cron.Start()

	// 7. HTTP
	r := gin.New()
	r.Use(gin.Recovery())
	handlers.NewHandlers(eng, db, hub, m, handlers.Options{
		APIPrefix:     cfg.APIPrefix,
		WebhookSecret: cfg.WebhookSecret,
		WebhookSkew:   cfg.WebhookSkew,
		OpsSecret:     cfg.OpsSecret,
		Idempotency:   middleware.CacheIdemStore{Cache: c},
		RateLimiter:   newRateLimiter(cfg, reg),
		Gatherer:      prometheus.DefaultGatherer,
	}).Register(r)

	srv := &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr), zap.String("sms", cfg.Dispatch.Transport))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Lg().Fatal("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	// 进行中的扫描会被取消，未完成的梯队由下次启动恢复
	sched.Stop()
	cron.Stop()
}

func newSMSSender(cfg config.DispatchConfig) notification.SMSSender {
	switch strings.ToLower(cfg.Transport) {
	case "http":
		return notification.NewHTTPGatewaySMS(cfg.Gateway)
	case "aliyun":
		return notification.NewAliyunSMS(cfg.Aliyun, notification.NewAliyunRPCClient(cfg.Aliyun))
	default:
		logger.Warn("using simulated sms transport, no real messages will be sent")
		return notification.NewSimulatedSMS()
	}
}

func newObjectStore(cfg config.ArchiveConfig) (storage.Store, error) {
	if cfg.Endpoint == "" {
		logger.Warn("archive endpoint not configured, archiving to memory")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewMinioStore(storage.MinioConfig{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
	})
}

// newRateLimiter 使用 redis 缓存时计数也放 redis，多实例共享
func newRateLimiter(cfg *config.Config, reg prometheus.Registerer) *middleware.RateLimiter {
	if cfg.RateLimit == "" {
		return nil
	}
	var ls limiter.Store
	if strings.ToLower(cfg.Cache.Type) == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		s, err := middleware.NewRedisLimiterStore(client, cfg.Cache.Redis.KeyPrefix+"limiter")
		if err != nil {
			logger.Warn("redis limiter store unavailable, using memory", zap.Error(err))
		} else {
			ls = s
		}
	}
	return middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:       cfg.RateLimit,
		Identifier: "ip",
		AddHeaders: true,
	}, ls).WithObserver(middleware.NewPrometheusObserver(reg))
}
