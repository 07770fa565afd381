package config

import (
	"os"
	"time"

	"CrisisBridge/pkg/cache"
	"CrisisBridge/pkg/logger"
	"CrisisBridge/pkg/notification"
	"CrisisBridge/pkg/util"

	"go.uber.org/zap"
)

// EscalationConfig 升级窗口与调度
type EscalationConfig struct {
	DefaultWindow  time.Duration `env:"ESCALATION_WINDOW"`          // 默认 30s
	CriticalWindow time.Duration `env:"ESCALATION_CRITICAL_WINDOW"` // critical / emergency，默认 15s
	MaxTiers       int           `env:"ESCALATION_MAX_TIERS"`       // 0 不限
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"`             // 默认 1s
	StallAfter     time.Duration `env:"STALL_AFTER"`                // 默认 30s
}

// DispatchConfig 短信发送
type DispatchConfig struct {
	Transport      string        `env:"SMS_TRANSPORT"` // simulated | http | aliyun
	MaxAttempts    int           `env:"SMS_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `env:"SMS_INITIAL_BACKOFF"`
	SendTimeout    time.Duration `env:"SMS_SEND_TIMEOUT"`
	Gateway        notification.HTTPGatewayConfig
	Aliyun         notification.AliyunSMSConfig
	DefaultLocale  string `env:"SMS_DEFAULT_LOCALE"`
	LocaleDir      string `env:"SMS_LOCALE_DIR"`
}

type ArchiveConfig struct {
	Enabled   bool   `env:"ARCHIVE_ENABLED"`
	Schedule  string `env:"ARCHIVE_SCHEDULE"`
	AfterDays int    `env:"ARCHIVE_AFTER_DAYS"`
	Endpoint  string `env:"MINIO_ENDPOINT"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_BUCKET"`
	UseSSL    bool   `env:"MINIO_USE_SSL"`
}

type Config struct {
	DBDriver       string `env:"DB_DRIVER"`
	DSN            string `env:"DSN"`
	Addr           string `env:"ADDR"`
	Mode           string `env:"MODE"`
	APIPrefix      string `env:"API_PREFIX"`
	Log            logger.LogConfig
	Mail           notification.MailConfig
	OperatorEmails []string `env:"OPERATOR_EMAILS"`
	Cache          cache.Config
	Escalation     EscalationConfig
	Dispatch       DispatchConfig
	Archive        ArchiveConfig
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	WebhookSkew    time.Duration `env:"WEBHOOK_MAX_SKEW"`
	OpsSecret      string        `env:"OPS_SECRET"` // 运营事件流签名密钥，为空时沿用 WEBHOOK_SECRET
	RateLimit      string        `env:"RATE_LIMIT"` // ulule 格式，如 "100-M"
	SlowQuery      time.Duration `env:"SLOW_QUERY_THRESHOLD"`
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	if err := util.LoadEnv(env); err != nil {
		// 没有 .env 文件时直接使用进程环境变量
		logger.Info("no env file loaded", zap.String("env", env), zap.Error(err))
	}

	// 2. 加载全局配置
	GlobalConfig = FromEnv()
	return nil
}

// FromEnv 从当前环境变量构建配置，未设置的项取默认值
func FromEnv() *Config {
	return &Config{
		DBDriver:  util.GetEnvDefault("DB_DRIVER", "sqlite"),
		DSN:       util.GetEnvDefault("DSN", "file:crisisbridge.db?_pragma=busy_timeout(5000)"),
		Addr:      util.GetEnvDefault("ADDR", ":8080"),
		Mode:      util.GetEnvDefault("MODE", "development"),
		APIPrefix: util.GetEnvDefault("API_PREFIX", "/api"),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		Mail: notification.MailConfig{
			Host:     util.GetEnv("MAIL_HOST"),
			Username: util.GetEnv("MAIL_USERNAME"),
			Password: util.GetEnv("MAIL_PASSWORD"),
			Port:     int(util.GetIntEnvDefault("MAIL_PORT", 587)),
			From:     util.GetEnv("MAIL_FROM"),
		},
		OperatorEmails: util.GetListEnv("OPERATOR_EMAILS"),
		Cache: cache.Config{
			Type: util.GetEnvDefault("CACHE_TYPE", "local"),
			Redis: cache.RedisConfig{
				Addr:         util.GetEnvDefault("REDIS_ADDR", "localhost:6379"),
				Password:     util.GetEnv("REDIS_PASSWORD"),
				DB:           int(util.GetIntEnv("REDIS_DB")),
				PoolSize:     int(util.GetIntEnvDefault("REDIS_POOL_SIZE", 10)),
				MinIdleConns: int(util.GetIntEnvDefault("REDIS_MIN_IDLE_CONNS", 2)),
				DialTimeout:  util.GetDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
				ReadTimeout:  util.GetDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
				WriteTimeout: util.GetDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
				KeyPrefix:    util.GetEnvDefault("REDIS_KEY_PREFIX", "cb:"),
			},
			Local: cache.LocalConfig{
				MaxSize:           int(util.GetIntEnvDefault("LOCAL_CACHE_MAX_SIZE", 10000)),
				DefaultExpiration: util.GetDurationEnv("LOCAL_CACHE_DEFAULT_EXPIRATION", 30*time.Second),
				CleanupInterval:   util.GetDurationEnv("LOCAL_CACHE_CLEANUP_INTERVAL", time.Minute),
			},
		},
		Escalation: EscalationConfig{
			DefaultWindow:  util.GetDurationEnv("ESCALATION_WINDOW", 30*time.Second),
			CriticalWindow: util.GetDurationEnv("ESCALATION_CRITICAL_WINDOW", 15*time.Second),
			MaxTiers:       int(util.GetIntEnv("ESCALATION_MAX_TIERS")),
			SweepInterval:  util.GetDurationEnv("SWEEP_INTERVAL", time.Second),
			StallAfter:     util.GetDurationEnv("STALL_AFTER", 30*time.Second),
		},
		Dispatch: DispatchConfig{
			Transport:      util.GetEnvDefault("SMS_TRANSPORT", "simulated"),
			MaxAttempts:    int(util.GetIntEnvDefault("SMS_MAX_ATTEMPTS", 3)),
			InitialBackoff: util.GetDurationEnv("SMS_INITIAL_BACKOFF", 200*time.Millisecond),
			SendTimeout:    util.GetDurationEnv("SMS_SEND_TIMEOUT", 5*time.Second),
			Gateway: notification.HTTPGatewayConfig{
				BaseURL:  util.GetEnv("SMS_GATEWAY_URL"),
				APIKey:   util.GetEnv("SMS_GATEWAY_API_KEY"),
				Sender:   util.GetEnv("SMS_SENDER"),
				Callback: util.GetEnv("SMS_STATUS_CALLBACK"),
			},
			Aliyun: notification.AliyunSMSConfig{
				AccessKeyId:     util.GetEnv("ALIYUN_ACCESS_KEY_ID"),
				AccessKeySecret: util.GetEnv("ALIYUN_ACCESS_KEY_SECRET"),
				SignName:        util.GetEnv("ALIYUN_SMS_SIGN"),
				TemplateCode:    util.GetEnv("ALIYUN_SMS_TEMPLATE"),
				Endpoint:        util.GetEnvDefault("ALIYUN_SMS_ENDPOINT", "cn-hangzhou"),
			},
			DefaultLocale: util.GetEnvDefault("SMS_DEFAULT_LOCALE", "en"),
			LocaleDir:     util.GetEnv("SMS_LOCALE_DIR"),
		},
		Archive: ArchiveConfig{
			Enabled:   util.GetBoolEnv("ARCHIVE_ENABLED"),
			Schedule:  util.GetEnvDefault("ARCHIVE_SCHEDULE", "@daily"),
			AfterDays: int(util.GetIntEnvDefault("ARCHIVE_AFTER_DAYS", 30)),
			Endpoint:  util.GetEnv("MINIO_ENDPOINT"),
			AccessKey: util.GetEnv("MINIO_ACCESS_KEY"),
			SecretKey: util.GetEnv("MINIO_SECRET_KEY"),
			Bucket:    util.GetEnvDefault("MINIO_BUCKET", "crisis-archive"),
			UseSSL:    util.GetBoolEnv("MINIO_USE_SSL"),
		},
		WebhookSecret: util.GetEnv("WEBHOOK_SECRET"),
		WebhookSkew:   util.GetDurationEnv("WEBHOOK_MAX_SKEW", 5*time.Minute),
		OpsSecret:     util.GetEnv("OPS_SECRET"),
		RateLimit:     util.GetEnvDefault("RATE_LIMIT", "120-M"),
		SlowQuery:     util.GetDurationEnv("SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
	}
}
