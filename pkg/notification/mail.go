package notification

import (
	"crypto/tls"
	"time"

	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/logger"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// MailConfig 运营告警邮件配置
type MailConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	FromName           string
	InsecureSkipVerify bool
	RetryCount         int
	RetryBackoff       time.Duration
}

// MailSender 便于测试替换
type MailSender interface {
	Send(to []string, subject, htmlBody string) error
}

type MailNotification struct {
	cfg    MailConfig
	dialer *gomail.Dialer
}

func NewMailNotification(cfg MailConfig) *MailNotification {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if cfg.From == "" {
		cfg.From = "noreply@crisisbridge.local"
	}
	if cfg.FromName == "" {
		cfg.FromName = "CrisisBridge"
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &MailNotification{cfg: cfg, dialer: d}
}

// Send 收件人放在 Bcc，失败按指数退避重试
func (m *MailNotification) Send(to []string, subject, htmlBody string) error {
	if len(to) == 0 {
		return nil
	}
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.cfg.From, m.cfg.FromName)
	msg.SetHeader("Bcc", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	backoff := m.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.RetryCount; attempt++ {
		if lastErr = m.dialer.DialAndSend(msg); lastErr == nil {
			return nil
		}
		if attempt < m.cfg.RetryCount {
			logger.Warn("operator mail failed, retrying",
				zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(lastErr))
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return errors.Wrapf(lastErr, "send operator mail to %d receivers", len(to))
}
