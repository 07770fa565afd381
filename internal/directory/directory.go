// Package directory 解析患者支持网络的通知梯队
package directory

import (
	"context"
	"encoding/json"
	"time"

	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store"
	"CrisisBridge/pkg/cache"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/logger"
	"CrisisBridge/pkg/metrics"

	"go.uber.org/zap"
)

// Tier 一个通知梯队，Number 从 1 开始连续编号
type Tier struct {
	Number     int                `json:"number"`
	Responders []models.Responder `json:"responders"`
}

// Directory 只读访问支持网络，结果短时缓存
type Directory struct {
	store   store.Store
	cache   cache.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
}

func New(st store.Store, c cache.Cache, ttl time.Duration, m *metrics.Metrics) *Directory {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Directory{store: st, cache: c, ttl: ttl, metrics: m}
}

func cacheKey(patientID string) string { return "tiers:" + patientID }

// ResolveTiers 按配置梯队升序返回启用的联系人；梯队号压缩为连续编号（配置 1、3 → 1、2）
func (d *Directory) ResolveTiers(ctx context.Context, patientID string) ([]Tier, error) {
	if d.cache != nil {
		if raw, ok := d.cache.Get(ctx, cacheKey(patientID)); ok {
			var tiers []Tier
			if err := json.Unmarshal([]byte(raw), &tiers); err == nil {
				d.metrics.RecordCacheHit("directory")
				if len(tiers) == 0 {
					return nil, errors.ErrNoResponders.WithContext("patient", patientID)
				}
				return tiers, nil
			}
		}
		d.metrics.RecordCacheMiss("directory")
	}

	if _, err := d.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	responders, err := d.store.ListResponders(ctx, patientID)
	if err != nil {
		return nil, err
	}
	tiers := group(responders)

	if d.cache != nil {
		if b, err := json.Marshal(tiers); err == nil {
			if err := d.cache.Set(ctx, cacheKey(patientID), string(b), d.ttl); err != nil {
				logger.Warn("cache directory tiers failed", zap.String("patient", patientID), zap.Error(err))
			}
		}
	}
	if len(tiers) == 0 {
		return nil, errors.ErrNoResponders.WithContext("patient", patientID)
	}
	return tiers, nil
}

// TierAt 第 n 个梯队（从 1 开始），不存在返回 nil
func (d *Directory) TierAt(ctx context.Context, patientID string, n int) (*Tier, int, error) {
	tiers, err := d.ResolveTiers(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	if n < 1 || n > len(tiers) {
		return nil, len(tiers), nil
	}
	return &tiers[n-1], len(tiers), nil
}

// Invalidate 支持网络变更后调用
func (d *Directory) Invalidate(ctx context.Context, patientID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, cacheKey(patientID)); err != nil {
		logger.Warn("invalidate directory cache failed", zap.String("patient", patientID), zap.Error(err))
	}
}

// group responders 已按 tier、插入顺序排好
func group(responders []models.Responder) []Tier {
	var tiers []Tier
	lastConfigured := 0
	for _, r := range responders {
		if !r.Active || r.Tier < 1 {
			continue
		}
		if len(tiers) == 0 || r.Tier != lastConfigured {
			tiers = append(tiers, Tier{Number: len(tiers) + 1})
			lastConfigured = r.Tier
		}
		tiers[len(tiers)-1].Responders = append(tiers[len(tiers)-1].Responders, r)
	}
	return tiers
}
