// Package engine 危机警报引擎，组合目录、发送、回复收集与升级调度。
// 引擎本身不持有可变状态，所有协调信息都在存储中，可以多实例部署
package engine

import (
	"context"
	"strings"
	"time"

	"CrisisBridge/internal/directory"
	"CrisisBridge/internal/dispatch"
	"CrisisBridge/internal/escalation"
	"CrisisBridge/internal/models"
	"CrisisBridge/internal/responses"
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
)

type Options struct {
	Store        store.Store
	SMS          notification.SMSSender
	I18n         *i18n.I18nSupport
	Cache        cache.Cache // 目录与回复路由缓存，可为空
	Clock        util.Clock
	Signals      *util.Signals
	Metrics      *metrics.Metrics
	DirectoryTTL time.Duration
	Dispatch     dispatch.Config
	Escalation   escalation.Config
}

type Engine struct {
	store      store.Store
	directory  *directory.Directory
	dispatcher *dispatch.Dispatcher
	collector  *responses.Collector
	scheduler  *escalation.Scheduler
	clock      util.Clock
	signals    *util.Signals
	metrics    *metrics.Metrics
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = util.RealClock
	}
	if opts.Signals == nil {
		opts.Signals = util.Sig()
	}
	dir := directory.New(opts.Store, opts.Cache, opts.DirectoryTTL, opts.Metrics)
	d := dispatch.New(opts.Store, opts.SMS, opts.I18n, opts.Cache, opts.Clock, opts.Metrics, opts.Dispatch)
	return &Engine{
		store:      opts.Store,
		directory:  dir,
		dispatcher: d,
		collector:  responses.NewCollector(opts.Store, dir, opts.Clock, opts.Signals, opts.Metrics),
		scheduler:  escalation.New(opts.Store, dir, d, opts.Clock, opts.Signals, opts.Metrics, opts.Escalation),
		clock:      opts.Clock,
		signals:    opts.Signals,
		metrics:    opts.Metrics,
	}
}

func (e *Engine) Directory() *directory.Directory { return e.directory }

// CreateAlertRequest 上报一次危机
type CreateAlertRequest struct {
	ID        string           `json:"id"` // 客户端幂等键，为空时生成
	PatientID string           `json:"patientId"`
	Severity  models.Severity  `json:"severity"`
	Message   string           `json:"message"`
	Location  *models.Location `json:"location,omitempty"`
}

func (r *CreateAlertRequest) validate() error {
	r.PatientID = strings.TrimSpace(r.PatientID)
	if r.PatientID == "" {
		return errors.ErrInvalidRequest.WithContext("patientId", "required")
	}
	if !r.Severity.Valid() {
		return errors.ErrInvalidRequest.WithContext("severity", string(r.Severity))
	}
	if len(r.ID) > 64 {
		return errors.ErrInvalidRequest.WithContext("id", "too long")
	}
	if l := r.Location; l != nil {
		if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
			return errors.ErrInvalidRequest.WithContext("location", "out of range")
		}
	}
	return nil
}

// CreateAlert 持久化警报并完成第一梯队的通知。
// 警报已落库但无人可通知时，返回有效 ID 的同时返回 ErrNoResponders 或 ErrEscalationExhausted
func (e *Engine) CreateAlert(ctx context.Context, req CreateAlertRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if _, err := e.store.GetPatient(ctx, req.PatientID); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := e.clock.Now()
	alert := &models.CrisisAlert{
		ID:           req.ID,
		PatientID:    req.PatientID,
		Severity:     req.Severity,
		Message:      req.Message,
		Status:       models.StatusActive,
		Phase:        models.PhasePending,
		CurrentTier:  1,
		TransitionAt: now,
		CreatedAt:    now,
	}
	if l := req.Location; l != nil {
		alert.Latitude, alert.Longitude, alert.Address = &l.Latitude, &l.Longitude, l.Address
	}
	created, err := e.store.CreateAlert(ctx, alert)
	if err != nil {
		return "", err
	}
	if !created {
		return e.replay(ctx, req)
	}

	e.metrics.AlertCreated(string(req.Severity))
	logger.Info("alert created",
		zap.String("alert", alert.ID),
		zap.String("patient", alert.PatientID),
		zap.String("severity", string(alert.Severity)))
	e.signals.Emit(models.SigAlertCreated, alert)

	// 请求方断开也要把第一梯队发出去
	_, err = e.scheduler.Start(context.WithoutCancel(ctx), alert)
	if err != nil {
		if errors.HasCode(err, errors.CodeNoResponders) || errors.HasCode(err, errors.CodeEscalationExhausted) {
			return alert.ID, err
		}
		return alert.ID, errors.Wrap(err, "start escalation")
	}
	return alert.ID, nil
}

// replay 同一幂等键的重复上报，返回首次上报的结果
func (e *Engine) replay(ctx context.Context, req CreateAlertRequest) (string, error) {
	prev, err := e.store.GetAlert(ctx, req.ID)
	if err != nil {
		return "", err
	}
	if prev.PatientID != req.PatientID {
		return "", errors.ErrInvalidRequest.WithContext("id", "already used for another patient")
	}
	if prev.Phase == models.PhaseExhausted {
		if prev.ExhaustionReason == models.ExhaustedNoResponders {
			return prev.ID, errors.ErrNoResponders.WithContext("alert", prev.ID)
		}
		return prev.ID, errors.ErrEscalationExhausted.WithContext("alert", prev.ID)
	}
	return prev.ID, nil
}

// SubmitResponse 记录联系人回复，有效回复会结束升级
func (e *Engine) SubmitResponse(ctx context.Context, req responses.Request) (*responses.Outcome, error) {
	return e.collector.Submit(ctx, req)
}

// ResolveAlert 人工结束警报，可从任何未解决的阶段进入
func (e *Engine) ResolveAlert(ctx context.Context, alertID, resolverID, notes string) (*models.CrisisAlert, error) {
	if strings.TrimSpace(resolverID) == "" {
		return nil, errors.ErrInvalidRequest.WithContext("resolverId", "required")
	}
	return e.scheduler.Resolve(ctx, alertID, resolverID, notes)
}

// AlertSnapshot 警报当前状态及完整审计记录
type AlertSnapshot struct {
	Alert     *models.CrisisAlert          `json:"alert"`
	Attempts  []models.NotificationAttempt `json:"attempts"`
	Responses []models.SupporterResponse   `json:"responses"`
}

func (e *Engine) GetAlertStatus(ctx context.Context, alertID string) (*AlertSnapshot, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListAttempts(ctx, alertID)
	if err != nil {
		return nil, err
	}
	rs, err := e.store.ListResponses(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return &AlertSnapshot{Alert: alert, Attempts: attempts, Responses: rs}, nil
}

// HandleInboundReply 处理短信回复；运营商重复推送同一 messageID 是安全的
func (e *Engine) HandleInboundReply(ctx context.Context, from, body, messageID string) (*responses.Outcome, error) {
	route, err := e.dispatcher.RouteReply(ctx, from)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return nil, errors.ErrInvalidResponse.WithContext("from", "no open alert for sender")
		}
		return nil, err
	}
	typ, eta, err := responses.ParseReply(body)
	if err != nil {
		logger.Info("unrecognized sms reply", zap.String("alert", route.AlertID), zap.String("responder", route.ResponderID))
		return nil, err
	}
	req := responses.Request{
		AlertID:     route.AlertID,
		ResponderID: route.ResponderID,
		Type:        typ,
		EtaMinutes:  eta,
		Notes:       body,
		Channel:     models.ChannelSMS,
	}
	if messageID != "" {
		req.ID = "sms:" + messageID
	}
	return e.collector.Submit(ctx, req)
}

// HandleDeliveryStatus 应用运营商回执；当前梯队全部确认失败时不再等待窗口，立即升级
func (e *Engine) HandleDeliveryStatus(ctx context.Context, deliveryID string, status models.DeliveryStatus) error {
	at, err := e.dispatcher.UpdateDeliveryStatus(ctx, deliveryID, status)
	if err != nil || at == nil || at.Status != models.DeliveryFailed {
		return err
	}
	alert, err := e.store.GetAlert(ctx, at.AlertID)
	if err != nil {
		return err
	}
	if alert.Phase != models.PhaseAwaitingResponse || alert.CurrentTier != at.Tier {
		return nil
	}
	failed, err := e.dispatcher.TierFailed(ctx, alert.ID, at.Tier)
	if err != nil || !failed {
		return err
	}
	logger.Warn("every delivery in tier failed, escalating early",
		zap.String("alert", alert.ID), zap.Int("tier", at.Tier))
	_, err = e.scheduler.Escalate(context.WithoutCancel(ctx), alert.ID, at.Tier)
	if errors.HasCode(err, errors.CodeEscalationExhausted) || errors.HasCode(err, errors.CodeNoResponders) {
		return nil
	}
	return err
}

// Sweep 推进到期与中断的警报，由调度器周期调用
func (e *Engine) Sweep(ctx context.Context) (escalation.SweepResult, error) {
	return e.scheduler.Sweep(ctx)
}
