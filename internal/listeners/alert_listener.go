package listeners

import (
	"context"
	"time"

	"CrisisBridge/internal/dispatch"
	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store"
	"CrisisBridge/pkg/i18n"
	"CrisisBridge/pkg/logger"
	"CrisisBridge/pkg/notification"
	"CrisisBridge/pkg/sse"
	"CrisisBridge/pkg/util"

	"go.uber.org/zap"
)

// Operator 运营人员触达渠道，Mail 为空或没有收件人时只推送事件流
type Operator struct {
	Store      store.Store
	Hub        *sse.Hub
	Mail       notification.MailSender
	Recipients []string
	I18n       *i18n.I18nSupport
	Locale     string
}

// AlertEvent 推送到事件流的内容
type AlertEvent struct {
	AlertID   string             `json:"alertId"`
	PatientID string             `json:"patientId"`
	Severity  models.Severity    `json:"severity"`
	Status    models.AlertStatus `json:"status"`
	Phase     models.AlertPhase  `json:"phase"`
	Tier      int                `json:"tier"`
	Reason    string             `json:"reason,omitempty"`
	At        time.Time          `json:"at"`
}

func eventOf(a *models.CrisisAlert, reason string) AlertEvent {
	return AlertEvent{
		AlertID:   a.ID,
		PatientID: a.PatientID,
		Severity:  a.Severity,
		Status:    a.Status,
		Phase:     a.Phase,
		Tier:      a.CurrentTier,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
}

func InitAlertListeners(sig *util.Signals, op Operator) {
	for _, name := range []string{models.SigAlertCreated, models.SigAlertEscalated, models.SigAlertResponded, models.SigAlertResolved} {
		name := name
		sig.Connect(name, func(sender any, params ...any) {
			if a, ok := sender.(*models.CrisisAlert); ok && op.Hub != nil {
				op.Hub.Publish(name, eventOf(a, ""))
			}
		})
	}

	// register exhausted listener - 无人响应的警报必须让人工知道
	sig.Connect(models.SigAlertExhausted, func(sender any, params ...any) {
		a, ok := sender.(*models.CrisisAlert)
		if !ok {
			return
		}
		reason := a.ExhaustionReason
		if len(params) > 0 {
			if r, ok := params[0].(string); ok {
				reason = r
			}
		}
		logger.Error("crisis alert needs manual follow-up",
			zap.String("alert", a.ID),
			zap.String("patient", a.PatientID),
			zap.String("severity", string(a.Severity)),
			zap.String("reason", reason),
			zap.Int("tier", a.CurrentTier))
		if op.Hub != nil {
			op.Hub.Publish(models.SigAlertExhausted, eventOf(a, reason))
		}
		if op.Mail == nil || len(op.Recipients) == 0 || op.I18n == nil {
			return
		}

		alert := *a
		go func() {
			subject, body := op.render(&alert, reason)
			if err := op.Mail.Send(op.Recipients, subject, body); err != nil {
				logger.Warn("send operator mail failed", zap.String("alert", alert.ID), zap.Error(err))
			}
		}()
	})
}

func (op Operator) render(a *models.CrisisAlert, reason string) (string, string) {
	patient := a.PatientID
	if op.Store != nil {
		if p, err := op.Store.GetPatient(context.Background(), a.PatientID); err == nil && p.DisplayName != "" {
			patient = p.DisplayName
		}
	}
	data := map[string]interface{}{
		"Ref":      dispatch.Ref(a.ID),
		"AlertID":  a.ID,
		"Patient":  patient,
		"Severity": string(a.Severity),
		"Message":  a.Message,
		"Reason":   reason,
		"Tier":     a.CurrentTier,
	}
	return op.I18n.T(op.Locale, i18n.KeyOperatorExhaustedSubject, data),
		op.I18n.T(op.Locale, i18n.KeyOperatorExhaustedBody, data)
}
