package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`    // MB
	MaxAge     int    `env:"LOG_MAX_AGE"`     // 天
	MaxBackups int    `env:"LOG_MAX_BACKUPS"` // 保留的旧文件个数
}

var (
	mu sync.RWMutex
	lg = zap.NewNop()
)

// Init 初始化全局 logger；Filename 为空时只输出到 stdout
func Init(cfg LogConfig, mode string) error {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil || cfg.Level == "" {
		level.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "time"

	var encoder zapcore.Encoder
	if mode == "development" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if cfg.Filename != "" {
		// 文件按大小滚动
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    orDefault(cfg.MaxSize, 100),
			MaxAge:     orDefault(cfg.MaxAge, 30),
			MaxBackups: orDefault(cfg.MaxBackups, 10),
			LocalTime:  true,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	Set(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
	return nil
}

// Set 替换全局 logger（测试中可注入 zaptest/observer）
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	lg = l
	mu.Unlock()
}

// Lg 返回全局 logger
func Lg() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return lg
}

func Debug(msg string, fields ...zap.Field) { Lg().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Lg().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Lg().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Lg().Error(msg, fields...) }

// Sync 刷新缓冲，进程退出前调用
func Sync() error { return Lg().Sync() }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
