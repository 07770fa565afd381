// Package responses 记录联系人的回复，并在首个有效回复时结束升级
package responses

import (
	"context"

	"CrisisBridge/internal/directory"
	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/logger"
	"CrisisBridge/pkg/metrics"
	"CrisisBridge/pkg/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxConflictRetries = 5

// Request 一次回复
type Request struct {
	ID          string              `json:"id"` // 幂等键，为空时生成
	AlertID     string              `json:"alertId"`
	ResponderID string              `json:"responderId"`
	Type        models.ResponseType `json:"type"`
	EtaMinutes  *int                `json:"etaMinutes,omitempty"`
	Notes       string              `json:"notes,omitempty"`
	Channel     string              `json:"channel"`
}

// Outcome 回复处理结果
type Outcome struct {
	Response  *models.SupporterResponse `json:"response"`
	Alert     *models.CrisisAlert       `json:"alert"`
	Accepted  bool                      `json:"accepted"` // 本次回复把警报推进到了 responded
	Duplicate bool                      `json:"duplicate"`
}

type Collector struct {
	store   store.Store
	dir     *directory.Directory
	clock   util.Clock
	signals *util.Signals
	metrics *metrics.Metrics
}

func NewCollector(st store.Store, dir *directory.Directory, clock util.Clock, sig *util.Signals, m *metrics.Metrics) *Collector {
	if clock == nil {
		clock = util.RealClock
	}
	if sig == nil {
		sig = util.Sig()
	}
	return &Collector{store: st, dir: dir, clock: clock, signals: sig, metrics: m}
}

// Submit 校验并追加回复。回复行与警报状态在同一事务中写入，先落库的有效回复获胜。
// 重复的回复 ID 与已被他人关闭的警报返回 ErrAlreadyHandled，Outcome 仍然有效
func (c *Collector) Submit(ctx context.Context, req Request) (*Outcome, error) {
	if !req.Type.Valid() {
		return nil, errors.ErrInvalidResponse.WithContext("type", string(req.Type))
	}
	if req.EtaMinutes != nil && *req.EtaMinutes < 0 {
		return nil, errors.ErrInvalidResponse.WithContext("eta", "negative")
	}
	if req.Channel == "" {
		req.Channel = models.ChannelAPI
	}
	if req.ID != "" {
		if prev, err := c.store.GetResponse(ctx, req.ID); err == nil {
			return c.duplicate(ctx, prev)
		} else if !errors.HasCode(err, errors.CodeNotFound) {
			return nil, err
		}
	} else {
		req.ID = uuid.NewString()
	}

	alert, err := c.store.GetAlert(ctx, req.AlertID)
	if err != nil {
		return nil, err
	}
	if alert.Phase == models.PhaseResolved {
		return nil, errors.ErrInvalidResponse.WithContext("alert", "resolved")
	}
	if err := c.checkResponder(ctx, alert, req.ResponderID); err != nil {
		return nil, err
	}

	var out *Outcome
	for i := 0; i < maxConflictRetries; i++ {
		out, err = c.apply(ctx, req)
		if !errors.HasCode(err, errors.CodeVersionConflict) {
			break
		}
	}
	if out == nil || (err != nil && !errors.HasCode(err, errors.CodeAlreadyHandled)) {
		return nil, err
	}
	if out.Duplicate {
		return out, err
	}

	c.metrics.Response(string(out.Response.Type), out.Response.Effect, out.Response.Channel)
	if out.Accepted {
		c.metrics.FirstResponse(string(out.Alert.Severity), out.Response.RespondedAt.Sub(out.Alert.CreatedAt))
		logger.Info("alert responded",
			zap.String("alert", out.Alert.ID),
			zap.String("responder", out.Response.ResponderID),
			zap.String("type", string(out.Response.Type)),
			zap.Int("tier", out.Alert.CurrentTier))
		c.signals.Emit(models.SigAlertResponded, out.Alert, out.Response)
	}
	return out, err
}

func (c *Collector) duplicate(ctx context.Context, prev *models.SupporterResponse) (*Outcome, error) {
	alert, err := c.store.GetAlert(ctx, prev.AlertID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Response: prev, Alert: alert, Duplicate: true}, errors.ErrAlreadyHandled.WithContext("response", prev.ID)
}

// checkResponder 联系人必须属于该患者，且所在梯队已经被通知过
func (c *Collector) checkResponder(ctx context.Context, alert *models.CrisisAlert, responderID string) error {
	r, err := c.store.GetResponder(ctx, responderID)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return errors.ErrInvalidResponse.WithContext("responder", responderID)
		}
		return err
	}
	if r.PatientID != alert.PatientID {
		return errors.ErrInvalidResponse.WithContext("responder", "not in support network")
	}
	tiers, err := c.dir.ResolveTiers(ctx, alert.PatientID)
	if err != nil {
		return errors.WrapCode(err, errors.CodeInvalidResponse, "resolve responder tier")
	}
	for _, t := range tiers {
		for _, m := range t.Responders {
			if m.ID == responderID {
				if t.Number > alert.CurrentTier {
					return errors.ErrInvalidResponse.WithContext("responder", "tier not notified yet")
				}
				return nil
			}
		}
	}
	return errors.ErrInvalidResponse.WithContext("responder", "inactive")
}

func (c *Collector) apply(ctx context.Context, req Request) (*Outcome, error) {
	now := c.clock.Now()
	out := &Outcome{}
	err := c.store.Transaction(ctx, func(tx store.Store) error {
		alert, err := tx.GetAlert(ctx, req.AlertID)
		if err != nil {
			return err
		}
		if alert.Phase == models.PhaseResolved {
			return errors.ErrInvalidResponse.WithContext("alert", "resolved")
		}
		resp := &models.SupporterResponse{
			ID:          req.ID,
			AlertID:     req.AlertID,
			ResponderID: req.ResponderID,
			Type:        req.Type,
			EtaMinutes:  req.EtaMinutes,
			Notes:       req.Notes,
			Channel:     req.Channel,
			Effect:      models.EffectRecorded,
			RespondedAt: now,
		}
		if req.Type.Qualifying() {
			if alert.Phase == models.PhaseResponded {
				resp.Effect = models.EffectAlreadyHandled
			} else if alert.MoveTo(models.PhaseResponded) {
				alert.FirstResponderID = req.ResponderID
				alert.FirstResponseAt = &now
				alert.TransitionAt = now
				if err := tx.UpdateAlert(ctx, alert); err != nil {
					return err
				}
				resp.Effect = models.EffectAccepted
				out.Accepted = true
			}
		}
		created, err := tx.CreateResponse(ctx, resp)
		if err != nil {
			return err
		}
		if !created {
			return errors.ErrAlreadyHandled.WithContext("response", req.ID)
		}
		out.Response, out.Alert = resp, alert
		return nil
	})
	if err != nil {
		if errors.HasCode(err, errors.CodeAlreadyHandled) {
			// 并发的同 ID 回复，事务已回滚，返回先落库的那条
			prev, gerr := c.store.GetResponse(ctx, req.ID)
			if gerr != nil {
				// 读不到先落库的那条时不能按重复处理，交给调用方重试
				return nil, errors.Wrap(gerr, "load concurrent duplicate response")
			}
			return c.duplicate(ctx, prev)
		}
		return nil, err
	}
	if out.Response.Effect == models.EffectAlreadyHandled {
		return out, errors.ErrAlreadyHandled.WithContext("alert", req.AlertID)
	}
	return out, nil
}
