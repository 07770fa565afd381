package notification

import (
	"context"
	"time"

	"CrisisBridge/pkg/errors"

	"github.com/go-resty/resty/v2"
)

// HTTPGatewayConfig JSON-over-HTTP 短信网关
type HTTPGatewayConfig struct {
	BaseURL  string
	APIKey   string
	Sender   string        // 发送方号码或签名
	Timeout  time.Duration // 单次请求超时，调用方 ctx 更短时以 ctx 为准
	Callback string        // 回执回调地址，透传给网关
}

type gatewayRequest struct {
	To          string `json:"to"`
	From        string `json:"from,omitempty"`
	Body        string `json:"body"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type gatewayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HTTPGatewaySMS 通用短信网关适配器
type HTTPGatewaySMS struct {
	cfg HTTPGatewayConfig
	cli *resty.Client
}

func NewHTTPGatewaySMS(cfg HTTPGatewayConfig) *HTTPGatewaySMS {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cli := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIKey)
	return &HTTPGatewaySMS{cfg: cfg, cli: cli}
}

func (h *HTTPGatewaySMS) Send(ctx context.Context, phone, message string) (SendResult, error) {
	var out gatewayResponse
	resp, err := h.cli.R().
		SetContext(ctx).
		SetBody(gatewayRequest{To: phone, From: h.cfg.Sender, Body: message, CallbackURL: h.cfg.Callback}).
		SetResult(&out).
		Post("/messages")
	if err != nil {
		return SendResult{}, errors.WrapCode(err, errors.CodeTransientTransport, "sms gateway request failed")
	}
	if resp.IsError() {
		return SendResult{}, errors.WithCodef(errors.CodeTransientTransport,
			"sms gateway returned %d: %s", resp.StatusCode(), resp.String())
	}
	if out.ID == "" {
		return SendResult{}, errors.WithCode(errors.CodeTransientTransport, "sms gateway returned no message id")
	}
	status := StatusSent
	if SendStatus(out.Status) == StatusDelivered {
		status = StatusDelivered
	}
	return SendResult{DeliveryID: out.ID, Status: status}, nil
}
