package metrics

import (
	"time"

	"CrisisBridge/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const startKey = "metrics:start"

// GormPlugin 记录每条 SQL 的耗时，超过 SlowThreshold 打印慢查询日志
type GormPlugin struct {
	Metrics       *Metrics
	SlowThreshold time.Duration
}

func (p *GormPlugin) Name() string { return "crisisbridge:metrics" }

func (p *GormPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		op     string
		before func(name string) error
		after  func(name string) error
	}{
		{"create", func(n string) error { return cb.Create().Before("gorm:create").Register(n, p.before) },
			func(n string) error { return cb.Create().After("gorm:create").Register(n, p.after("create")) }},
		{"query", func(n string) error { return cb.Query().Before("gorm:query").Register(n, p.before) },
			func(n string) error { return cb.Query().After("gorm:query").Register(n, p.after("query")) }},
		{"update", func(n string) error { return cb.Update().Before("gorm:update").Register(n, p.before) },
			func(n string) error { return cb.Update().After("gorm:update").Register(n, p.after("update")) }},
		{"delete", func(n string) error { return cb.Delete().Before("gorm:delete").Register(n, p.before) },
			func(n string) error { return cb.Delete().After("gorm:delete").Register(n, p.after("delete")) }},
		{"raw", func(n string) error { return cb.Raw().Before("gorm:raw").Register(n, p.before) },
			func(n string) error { return cb.Raw().After("gorm:raw").Register(n, p.after("raw")) }},
	}
	for _, h := range hooks {
		if err := h.before("metrics:before_" + h.op); err != nil {
			return err
		}
		if err := h.after("metrics:after_" + h.op); err != nil {
			return err
		}
	}
	return nil
}

func (p *GormPlugin) before(db *gorm.DB) {
	db.InstanceSet(startKey, time.Now())
}

func (p *GormPlugin) after(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(startKey)
		if !ok {
			return
		}
		start, ok := v.(time.Time)
		if !ok {
			return
		}
		d := time.Since(start)
		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		p.Metrics.RecordDBQuery(op, table, d)
		if p.SlowThreshold > 0 && d > p.SlowThreshold {
			logger.Warn("slow query",
				zap.String("op", op),
				zap.String("table", table),
				zap.Duration("duration", d),
				zap.String("sql", db.Statement.SQL.String()))
		}
	}
}
