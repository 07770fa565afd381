// Package archive 把已解决的历史警报导出到对象存储
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store"
	"CrisisBridge/pkg/logger"
	"CrisisBridge/pkg/metrics"
	"CrisisBridge/pkg/storage"
	"CrisisBridge/pkg/util"

	"go.uber.org/zap"
)

// Record 归档文件内容
type Record struct {
	Alert      *models.CrisisAlert          `json:"alert"`
	Attempts   []models.NotificationAttempt `json:"attempts"`
	Responses  []models.SupporterResponse   `json:"responses"`
	ArchivedAt time.Time                    `json:"archivedAt"`
}

type Archiver struct {
	store   store.Store
	objects storage.Store
	clock   util.Clock
	metrics *metrics.Metrics
	after   time.Duration
	batch   int
}

// New after 为解决后多久归档
func New(st store.Store, objects storage.Store, after time.Duration, clock util.Clock, m *metrics.Metrics) *Archiver {
	if clock == nil {
		clock = util.RealClock
	}
	if after <= 0 {
		after = 30 * 24 * time.Hour
	}
	return &Archiver{store: st, objects: objects, clock: clock, metrics: m, after: after, batch: 100}
}

// Key 按解决日期分目录
func Key(a *models.CrisisAlert) string {
	day := a.CreatedAt
	if a.ResolvedAt != nil {
		day = *a.ResolvedAt
	}
	return fmt.Sprintf("alerts/%s/%s.json", day.UTC().Format("2006/01/02"), a.ID)
}

// Run 作为 cron 任务执行，错误只记录日志
func (ar *Archiver) Run(ctx context.Context) {
	n, err := ar.ArchiveOnce(ctx)
	if err != nil {
		logger.Error("archive resolved alerts failed", zap.Int("archived", n), zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("resolved alerts archived", zap.Int("archived", n))
	}
}

// ArchiveOnce 导出所有满足条件的警报，返回成功归档的数量。
// 先写对象再标记 ArchivedAt，中途失败的警报下次会被重新导出并覆盖
func (ar *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	now := ar.clock.Now()
	cutoff := now.Add(-ar.after)
	total := 0
	for {
		alerts, err := ar.store.ListArchivableAlerts(ctx, cutoff, ar.batch)
		if err != nil {
			return total, err
		}
		for i := range alerts {
			if err := ar.archive(ctx, &alerts[i], now); err != nil {
				ar.metrics.Archived(total)
				return total, err
			}
			total++
		}
		if len(alerts) < ar.batch {
			break
		}
	}
	ar.metrics.Archived(total)
	return total, nil
}

func (ar *Archiver) archive(ctx context.Context, a *models.CrisisAlert, now time.Time) error {
	attempts, err := ar.store.ListAttempts(ctx, a.ID)
	if err != nil {
		return err
	}
	rs, err := ar.store.ListResponses(ctx, a.ID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(Record{Alert: a, Attempts: attempts, Responses: rs, ArchivedAt: now}, "", "  ")
	if err != nil {
		return err
	}
	if err := ar.objects.Put(ctx, Key(a), b, "application/json"); err != nil {
		return err
	}
	return ar.store.MarkArchived(ctx, a.ID, now)
}
