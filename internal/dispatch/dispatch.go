// Package dispatch 向梯队内的联系人发送短信，记录每个人的发送结果
package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"CrisisBridge/internal/directory"
	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store"
	"CrisisBridge/pkg/cache"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/i18n"
	"CrisisBridge/pkg/logger"
	"CrisisBridge/pkg/metrics"
	"CrisisBridge/pkg/notification"
	"CrisisBridge/pkg/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	MaxAttempts    int           // 每个联系人的总发送次数，默认 3
	InitialBackoff time.Duration // 默认 200ms
	BackoffFactor  int           // 默认 3
	SendTimeout    time.Duration // 单次发送超时，默认 5s
	Concurrency    int           // 同一梯队并发发送上限，默认 16
	DefaultLocale  string
	RouteTTL       time.Duration // 回复路由缓存时间
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = "en"
	}
	if c.RouteTTL <= 0 {
		c.RouteTTL = 24 * time.Hour
	}
}

// ResponderOutcome 单个联系人的结果
type ResponderOutcome struct {
	ResponderID string                `json:"responderId"`
	Status      models.DeliveryStatus `json:"status"`
	Attempts    int                   `json:"attempts"` // 本次调用新增的发送次数
	Skipped     bool                  `json:"skipped"`  // 之前已经送达，未重发
	Error       string                `json:"error,omitempty"`
}

// TierOutcome 一次梯队通知的汇总
type TierOutcome struct {
	Tier    int                `json:"tier"`
	Results []ResponderOutcome `json:"results"`
	Reached int                `json:"reached"`
}

// Dispatcher 梯队通知
type Dispatcher struct {
	store   store.Store
	sms     notification.SMSSender
	tr      *i18n.I18nSupport
	routes  cache.Cache
	clock   util.Clock
	metrics *metrics.Metrics
	cfg     Config
}

func New(st store.Store, sms notification.SMSSender, tr *i18n.I18nSupport, routes cache.Cache,
	clock util.Clock, m *metrics.Metrics, cfg Config) *Dispatcher {
	cfg.normalize()
	if clock == nil {
		clock = util.RealClock
	}
	return &Dispatcher{store: st, sms: sms, tr: tr, routes: routes, clock: clock, metrics: m, cfg: cfg}
}

// Notify 并发通知梯队内所有联系人；至少一人送达即成功，否则返回 ErrTierUnreachable。
// 已送达的联系人不会重发，崩溃恢复后重复调用是安全的
func (d *Dispatcher) Notify(ctx context.Context, alert *models.CrisisAlert, tier directory.Tier) (*TierOutcome, error) {
	out := &TierOutcome{Tier: tier.Number, Results: make([]ResponderOutcome, len(tier.Responders))}
	if len(tier.Responders) == 0 {
		return out, errors.ErrTierUnreachable.WithContext("tier", strconv.Itoa(tier.Number))
	}
	msg := d.render(ctx, alert, tier.Number)

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i := range tier.Responders {
		i, r := i, tier.Responders[i]
		g.Go(func() error {
			// 单人失败不影响其他人，这里从不返回错误
			out.Results[i] = d.notifyOne(ctx, alert, tier.Number, r, msg)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		if r.Status.Reached() {
			out.Reached++
		}
	}
	logger.Info("tier notified",
		zap.String("alert", alert.ID),
		zap.Int("tier", tier.Number),
		zap.Int("responders", len(tier.Responders)),
		zap.Int("reached", out.Reached))
	if out.Reached == 0 {
		return out, errors.ErrTierUnreachable.WithContext("tier", strconv.Itoa(tier.Number))
	}
	return out, nil
}

// Budget 通知 responders 个联系人最长可能耗时：每人所有重试都超时，按并发上限分批
func (d *Dispatcher) Budget(responders int) time.Duration {
	per := time.Duration(d.cfg.MaxAttempts) * d.cfg.SendTimeout
	backoff := d.cfg.InitialBackoff
	for i := 1; i < d.cfg.MaxAttempts; i++ {
		per += backoff
		backoff *= time.Duration(d.cfg.BackoffFactor)
	}
	waves := 1
	if responders > d.cfg.Concurrency {
		waves = (responders + d.cfg.Concurrency - 1) / d.cfg.Concurrency
	}
	return per * time.Duration(waves)
}

func (d *Dispatcher) notifyOne(ctx context.Context, alert *models.CrisisAlert, tier int, r models.Responder, msg string) ResponderOutcome {
	res := ResponderOutcome{ResponderID: r.ID}

	prev, err := d.store.GetAttempt(ctx, alert.ID, r.ID, tier)
	if err != nil && !errors.HasCode(err, errors.CodeNotFound) {
		logger.Warn("load previous attempt failed", zap.String("alert", alert.ID), zap.String("responder", r.ID), zap.Error(err))
	}
	if prev != nil && prev.Status.Reached() {
		res.Status, res.Skipped = prev.Status, true
		return res
	}

	var (
		sent    notification.SendResult
		sendErr error
		backoff = d.cfg.InitialBackoff
	)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		sent, sendErr = d.sms.Send(sendCtx, r.PhoneNumber, msg)
		timedOut := sendCtx.Err() == context.DeadlineExceeded
		cancel()
		if sendErr == nil {
			d.metrics.SendAttempt("ok")
			break
		}
		if timedOut {
			d.metrics.SendAttempt("timeout")
		} else {
			d.metrics.SendAttempt("error")
		}
		logger.Warn("sms send failed",
			zap.String("alert", alert.ID),
			zap.String("responder", r.ID),
			zap.Int("attempt", attempt),
			zap.Error(sendErr))
		if attempt == d.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= time.Duration(d.cfg.BackoffFactor)
	}

	at := &models.NotificationAttempt{
		ID:          uuid.NewString(),
		AlertID:     alert.ID,
		ResponderID: r.ID,
		Tier:        tier,
		PhoneNumber: r.PhoneNumber,
		SentAt:      d.clock.Now(),
		Attempts:    res.Attempts,
	}
	if prev != nil {
		at.ID = prev.ID
		at.Attempts += prev.Attempts
	}
	if sendErr != nil {
		detail := sendErr.Error()
		at.Status, at.ErrorDetail = models.DeliveryFailed, &detail
		res.Error = detail
	} else {
		at.Status, at.TransportMessageID = models.DeliveryStatus(sent.Status), sent.DeliveryID
		if !at.Status.Reached() {
			at.Status = models.DeliverySent
		}
	}
	res.Status = at.Status

	// 调用方取消也要落库，否则恢复时会重复通知
	if err := d.store.UpsertAttempt(context.WithoutCancel(ctx), at); err != nil {
		logger.Error("persist notification attempt failed",
			zap.String("alert", alert.ID), zap.String("responder", r.ID), zap.Error(err))
	}
	d.metrics.TierNotification(strconv.Itoa(tier), string(at.Status))
	if at.Status.Reached() {
		d.rememberRoute(ctx, r.PhoneNumber, alert.ID, r.ID)
	}
	return res
}

// render 同一警报的每条短信格式一致：[CB-XXXXXX] 前缀与回复编码
func (d *Dispatcher) render(ctx context.Context, alert *models.CrisisAlert, tier int) string {
	locale := d.cfg.DefaultLocale
	name := "Your contact"
	if p, err := d.store.GetPatient(ctx, alert.PatientID); err == nil {
		if p.Locale != "" {
			locale = p.Locale
		}
		if p.DisplayName != "" {
			name = p.DisplayName
		}
	}
	key := i18n.KeyAlertSMS
	if tier > 1 {
		key = i18n.KeyAlertSMSEscalated
	}
	return d.tr.T(locale, key, map[string]interface{}{
		"Ref":      Ref(alert.ID),
		"Patient":  name,
		"Severity": string(alert.Severity),
		"Message":  alert.Message,
		"Address":  alert.Address,
		"Tier":     tier,
	})
}

// Ref 短信里展示的警报短码
func Ref(alertID string) string {
	s := strings.ToUpper(strings.ReplaceAll(alertID, "-", ""))
	if len(s) > 6 {
		s = s[:6]
	}
	return s
}

// UpdateDeliveryStatus 处理运营商回执，未知 ID 直接忽略；delivered / simulated 是终态
func (d *Dispatcher) UpdateDeliveryStatus(ctx context.Context, deliveryID string, status models.DeliveryStatus) (*models.NotificationAttempt, error) {
	if !status.Valid() {
		return nil, errors.WithCodef(errors.CodeInvalidRequest, "unknown delivery status %q", status)
	}
	at, err := d.store.FindAttemptByTransportID(ctx, deliveryID)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			logger.Info("delivery status for unknown message ignored", zap.String("delivery_id", deliveryID))
			return nil, nil
		}
		return nil, err
	}
	if at.Status == models.DeliveryDelivered || at.Status == models.DeliverySimulated ||
		status == models.DeliverySent || at.Status == status {
		return at, nil
	}
	at.Status = status
	if status == models.DeliveryFailed {
		detail := "carrier reported delivery failure"
		at.ErrorDetail = &detail
	}
	if err := d.store.UpsertAttempt(ctx, at); err != nil {
		return nil, err
	}
	d.metrics.TierNotification(strconv.Itoa(at.Tier), "callback_"+string(status))
	return at, nil
}

// TierFailed 梯队内所有联系人都确认发送失败
func (d *Dispatcher) TierFailed(ctx context.Context, alertID string, tier int) (bool, error) {
	attempts, err := d.store.ListAttempts(ctx, alertID)
	if err != nil {
		return false, err
	}
	n := 0
	for _, at := range attempts {
		if at.Tier != tier {
			continue
		}
		n++
		if at.Status != models.DeliveryFailed {
			return false, nil
		}
	}
	return n > 0, nil
}

// Route 短信回复的归属
type Route struct {
	AlertID     string `json:"alertId"`
	ResponderID string `json:"responderId"`
}

func routeKey(phone string) string { return "route:" + phone }

func (d *Dispatcher) rememberRoute(ctx context.Context, phone, alertID, responderID string) {
	if d.routes == nil {
		return
	}
	b, _ := json.Marshal(Route{AlertID: alertID, ResponderID: responderID})
	if err := d.routes.Set(ctx, routeKey(phone), string(b), d.cfg.RouteTTL); err != nil {
		logger.Warn("cache reply route failed", zap.String("phone", phone), zap.Error(err))
	}
}

// RouteReply 把来信号码映射到最近一次未解决的通知
func (d *Dispatcher) RouteReply(ctx context.Context, phone string) (*Route, error) {
	if d.routes != nil {
		if raw, ok := d.routes.Get(ctx, routeKey(phone)); ok {
			var r Route
			if err := json.Unmarshal([]byte(raw), &r); err == nil {
				if a, err := d.store.GetAlert(ctx, r.AlertID); err == nil && a.Phase != models.PhaseResolved {
					return &r, nil
				}
			}
		}
	}
	at, err := d.store.LatestOpenAttemptForPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	r := &Route{AlertID: at.AlertID, ResponderID: at.ResponderID}
	return r, nil
}
