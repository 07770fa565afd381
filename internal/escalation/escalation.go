// Package escalation 警报升级状态机。所有计时都以持久化的 NextDeadline 为准，
// 进程内不保存任何定时器，由 Sweep 周期性推进
package escalation

import (
	"context"
	"sync"
	"time"

	"CrisisBridge/internal/directory"
	"CrisisBridge/internal/dispatch"
	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/logger"
	"CrisisBridge/pkg/metrics"
	"CrisisBridge/pkg/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TierSource 按位置取梯队
type TierSource interface {
	TierAt(ctx context.Context, patientID string, n int) (*directory.Tier, int, error)
}

// Notifier 通知一个梯队
type Notifier interface {
	Notify(ctx context.Context, alert *models.CrisisAlert, tier directory.Tier) (*dispatch.TierOutcome, error)
	// Budget 通知 responders 个联系人最长可能耗时
	Budget(responders int) time.Duration
}

type Config struct {
	DefaultWindow    time.Duration // 默认 30s
	CriticalWindow   time.Duration // critical / emergency，默认 15s
	MaxTiers         int           // 0 不限
	StallAfter       time.Duration // pending / notifying 停留超过该时间视为中断，默认 30s
	SweepBatch       int           // 每轮最多处理的警报数，默认 100
	SweepConcurrency int           // 默认 8
	ConflictRetries  int           // 版本冲突重试次数，默认 5
	PersistRetries   int           // 存储临时错误重试次数，默认 3
	PersistBackoff   time.Duration // 默认 50ms，逐次翻倍
}

func (c *Config) normalize() {
	if c.DefaultWindow <= 0 {
		c.DefaultWindow = 30 * time.Second
	}
	if c.CriticalWindow <= 0 {
		c.CriticalWindow = 15 * time.Second
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 30 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 8
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 5
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 50 * time.Millisecond
	}
}

type Scheduler struct {
	store    store.Store
	tiers    TierSource
	notifier Notifier
	clock    util.Clock
	signals  *util.Signals
	metrics  *metrics.Metrics
	cfg      Config

	mu       sync.Mutex
	inflight map[string]int // 本进程正在发送的警报
}

func New(st store.Store, tiers TierSource, n Notifier, clock util.Clock, sig *util.Signals, m *metrics.Metrics, cfg Config) *Scheduler {
	cfg.normalize()
	if clock == nil {
		clock = util.RealClock
	}
	if sig == nil {
		sig = util.Sig()
	}
	return &Scheduler{store: st, tiers: tiers, notifier: n, clock: clock, signals: sig, metrics: m, cfg: cfg,
		inflight: make(map[string]int)}
}

// Window 等待回复的时间窗口
func (s *Scheduler) Window(sev models.Severity) time.Duration {
	if sev == models.SeverityCritical || sev == models.SeverityEmergency {
		return s.cfg.CriticalWindow
	}
	return s.cfg.DefaultWindow
}

// Start 把 pending 警报推进到第一梯队并完成首轮通知。
// 返回值中的警报始终是最新持久化版本；耗尽时同时返回 ErrNoResponders 或 ErrEscalationExhausted
func (s *Scheduler) Start(ctx context.Context, alert *models.CrisisAlert) (*models.CrisisAlert, error) {
	next, ok, err := s.transition(ctx, alert, func(a *models.CrisisAlert) bool {
		if a.Phase != models.PhasePending {
			return false
		}
		a.CurrentTier = 1
		return a.MoveTo(models.PhaseNotifying)
	})
	if err != nil || !ok {
		return next, err
	}
	return s.notifyTier(ctx, next)
}

// Escalate 立即把 awaiting_response(fromTier) 推进到下一梯队，用于整个梯队确认发送失败的场景
func (s *Scheduler) Escalate(ctx context.Context, alertID string, fromTier int) (*models.CrisisAlert, error) {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, alert, fromTier, false)
}

// advance awaiting_response(n) → notifying(n+1)；requireDue 为 true 时只在截止时间已过时推进
func (s *Scheduler) advance(ctx context.Context, alert *models.CrisisAlert, n int, requireDue bool) (*models.CrisisAlert, error) {
	now := s.clock.Now()
	next, ok, err := s.transition(ctx, alert, func(a *models.CrisisAlert) bool {
		if a.Phase != models.PhaseAwaitingResponse || a.CurrentTier != n {
			return false
		}
		if requireDue && (a.NextDeadline == nil || now.Before(*a.NextDeadline)) {
			return false
		}
		a.CurrentTier = n + 1
		return a.MoveTo(models.PhaseNotifying)
	})
	if err != nil || !ok {
		return next, err
	}
	logger.Info("alert escalated",
		zap.String("alert", next.ID),
		zap.Int("from", n),
		zap.Int("to", next.CurrentTier))
	s.signals.Emit(models.SigAlertEscalated, next, n+1)
	return s.notifyTier(ctx, next)
}

// notifyTier 调用方必须刚刚成功写入 notifying(n)，只有赢得这次写入的实例才会发送
func (s *Scheduler) notifyTier(ctx context.Context, alert *models.CrisisAlert) (*models.CrisisAlert, error) {
	s.track(alert.ID, 1)
	defer s.track(alert.ID, -1)
	for {
		n := alert.CurrentTier
		if s.cfg.MaxTiers > 0 && n > s.cfg.MaxTiers {
			return s.exhaust(ctx, alert, models.ExhaustedTiers, s.cfg.MaxTiers)
		}
		tier, _, err := s.tiers.TierAt(ctx, alert.PatientID, n)
		if err != nil {
			if errors.HasCode(err, errors.CodeNoResponders) {
				return s.exhaust(ctx, alert, models.ExhaustedNoResponders, n-1)
			}
			return alert, err
		}
		if tier == nil {
			return s.exhaust(ctx, alert, models.ExhaustedTiers, n-1)
		}

		_, derr := s.notifier.Notify(ctx, alert, *tier)
		if derr == nil {
			deadline := s.clock.Now().Add(s.Window(alert.Severity))
			next, _, err := s.transition(ctx, alert, func(a *models.CrisisAlert) bool {
				if a.Phase != models.PhaseNotifying || a.CurrentTier != n {
					return false
				}
				if !a.MoveTo(models.PhaseAwaitingResponse) {
					return false
				}
				a.NextDeadline = &deadline
				return true
			})
			return next, err
		}
		if !errors.HasCode(derr, errors.CodeTierUnreachable) {
			// 发送被中断，留在 notifying 由 Sweep 恢复
			return alert, derr
		}

		logger.Warn("tier unreachable, escalating",
			zap.String("alert", alert.ID),
			zap.Int("tier", n))
		next, ok, err := s.transition(ctx, alert, func(a *models.CrisisAlert) bool {
			if a.Phase != models.PhaseNotifying || a.CurrentTier != n {
				return false
			}
			a.CurrentTier = n + 1
			return a.MoveTo(models.PhaseNotifying)
		})
		if err != nil || !ok {
			return next, err
		}
		s.signals.Emit(models.SigAlertEscalated, next, n+1)
		alert = next
	}
}

// exhaust 没有更多梯队可通知；lastTier 是最后一个实际通知过的梯队
func (s *Scheduler) exhaust(ctx context.Context, alert *models.CrisisAlert, reason string, lastTier int) (*models.CrisisAlert, error) {
	n := alert.CurrentTier
	now := s.clock.Now()
	next, ok, err := s.transition(ctx, alert, func(a *models.CrisisAlert) bool {
		if a.Phase != models.PhaseNotifying || a.CurrentTier != n {
			return false
		}
		if !a.MoveTo(models.PhaseExhausted) {
			return false
		}
		if lastTier >= 1 {
			a.CurrentTier = lastTier
		}
		a.ExhaustedAt = &now
		a.ExhaustionReason = reason
		return true
	})
	if err != nil || !ok {
		return next, err
	}
	s.metrics.Exhausted(reason)
	logger.Warn("alert escalation exhausted",
		zap.String("alert", next.ID),
		zap.String("patient", next.PatientID),
		zap.String("reason", reason),
		zap.Int("tier", next.CurrentTier))
	s.signals.Emit(models.SigAlertExhausted, next, reason)
	if reason == models.ExhaustedNoResponders {
		return next, errors.ErrNoResponders.WithContext("alert", next.ID)
	}
	return next, errors.ErrEscalationExhausted.WithContext("alert", next.ID)
}

// Resolve 人工结束警报；对已解决的警报返回 ErrAlreadyHandled。
// 进行中的发送不会被打断，但之后的状态写入都会因前置条件不成立而放弃
func (s *Scheduler) Resolve(ctx context.Context, alertID, resolvedBy, notes string) (*models.CrisisAlert, error) {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	next, ok, err := s.transition(ctx, alert, func(a *models.CrisisAlert) bool {
		if !a.MoveTo(models.PhaseResolved) {
			return false
		}
		a.ResolvedAt = &now
		a.ResolvedBy = resolvedBy
		a.ResolutionNotes = notes
		return true
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return next, errors.ErrAlreadyHandled.WithContext("alert", alertID)
	}
	logger.Info("alert resolved", zap.String("alert", alertID), zap.String("by", resolvedBy))
	s.signals.Emit(models.SigAlertResolved, next)
	return next, nil
}

// transition 在最新版本上应用 mutate 并做版本校验写入。
// mutate 返回 false 表示前置条件已不成立（已被其他请求或实例推进），此时不写入，ok 为 false。
// 版本冲突会重新读取后重试，存储临时错误按退避重试，次数都有上限
func (s *Scheduler) transition(ctx context.Context, cur *models.CrisisAlert, mutate func(a *models.CrisisAlert) bool) (*models.CrisisAlert, bool, error) {
	conflicts, failures := 0, 0
	backoff := s.cfg.PersistBackoff
	for {
		next := *cur
		from := next.Phase
		if !mutate(&next) {
			return cur, false, nil
		}
		next.TransitionAt = s.clock.Now()
		err := s.store.UpdateAlert(ctx, &next)
		switch {
		case err == nil:
			s.metrics.PhaseTransition(string(from), string(next.Phase))
			return &next, true, nil
		case errors.HasCode(err, errors.CodeNotFound):
			return cur, false, err
		case errors.HasCode(err, errors.CodeVersionConflict):
			conflicts++
			if conflicts > s.cfg.ConflictRetries {
				return cur, false, err
			}
		default:
			failures++
			if failures > s.cfg.PersistRetries {
				return cur, false, err
			}
			logger.Warn("persist alert transition failed, retrying",
				zap.String("alert", cur.ID), zap.Int("attempt", failures), zap.Error(err))
			select {
			case <-ctx.Done():
				return cur, false, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		fresh, err := s.store.GetAlert(ctx, cur.ID)
		if err != nil {
			return cur, false, err
		}
		cur = fresh
	}
}

// SweepResult 一轮扫描的结果
type SweepResult struct {
	Due     int `json:"due"`
	Stalled int `json:"stalled"`
}

// Sweep 推进截止时间已过的警报，并恢复停在 pending / notifying 的警报。
// 多个实例可以同时扫描，版本校验保证同一梯队只会被一个实例发送
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := s.clock.Now()
	var res SweepResult

	due, err := s.store.ListDueAlerts(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	stalled, err := s.store.ListStalledAlerts(ctx, now.Add(-s.cfg.StallAfter), s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	res.Due, res.Stalled = len(due), len(stalled)

	var g errgroup.Group
	g.SetLimit(s.cfg.SweepConcurrency)
	for i := range due {
		a := due[i]
		g.Go(func() error {
			_, err := s.advance(ctx, &a, a.CurrentTier, true)
			s.logSweepErr(&a, "due", err)
			return nil
		})
	}
	for i := range stalled {
		a := stalled[i]
		g.Go(func() error {
			_, err := s.resume(ctx, &a)
			s.logSweepErr(&a, "stalled", err)
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.Sweep(time.Since(start), res.Due, res.Stalled)
	if res.Due+res.Stalled > 0 {
		logger.Debug("sweep finished", zap.Int("due", res.Due), zap.Int("stalled", res.Stalled))
	}
	return res, nil
}

// resume 重新认领中断的警报：pending 重新开始，notifying 以同一梯队重新发送（已送达的联系人会被跳过）。
// 本进程仍在发送、或停留时间不足整梯队最长发送耗时的警报不接管
func (s *Scheduler) resume(ctx context.Context, alert *models.CrisisAlert) (*models.CrisisAlert, error) {
	if alert.Phase == models.PhasePending {
		return s.Start(ctx, alert)
	}
	if s.sending(alert.ID) {
		return alert, nil
	}
	// 其他实例可能仍在发送：停留时间未超过整梯队的最长发送耗时就不接管
	if s.clock.Now().Sub(alert.TransitionAt) < s.tierBudget(ctx, alert) {
		return alert, nil
	}
	seen := alert.TransitionAt
	n := alert.CurrentTier
	next, ok, err := s.transition(ctx, alert, func(a *models.CrisisAlert) bool {
		if a.Phase != models.PhaseNotifying || a.CurrentTier != n || !a.TransitionAt.Equal(seen) {
			return false
		}
		return a.MoveTo(models.PhaseNotifying)
	})
	if err != nil || !ok {
		return next, err
	}
	logger.Warn("recovering interrupted tier notification",
		zap.String("alert", next.ID), zap.Int("tier", n))
	return s.notifyTier(ctx, next)
}

func (s *Scheduler) tierBudget(ctx context.Context, alert *models.CrisisAlert) time.Duration {
	tier, _, err := s.tiers.TierAt(ctx, alert.PatientID, alert.CurrentTier)
	if err != nil || tier == nil {
		return 0
	}
	return s.notifier.Budget(len(tier.Responders))
}

func (s *Scheduler) track(alertID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[alertID] += delta; s.inflight[alertID] <= 0 {
		delete(s.inflight, alertID)
	}
}

func (s *Scheduler) sending(alertID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[alertID] > 0
}

func (s *Scheduler) logSweepErr(a *models.CrisisAlert, kind string, err error) {
	if err == nil ||
		errors.HasCode(err, errors.CodeEscalationExhausted) ||
		errors.HasCode(err, errors.CodeNoResponders) {
		return
	}
	logger.Error("sweep alert failed",
		zap.String("alert", a.ID),
		zap.String("kind", kind),
		zap.Int("tier", a.CurrentTier),
		zap.Error(err))
}
