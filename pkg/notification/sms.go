package notification

import (
	"context"
)

// SendStatus 运营商受理后的状态
type SendStatus string

const (
	StatusSent      SendStatus = "sent"
	StatusDelivered SendStatus = "delivered"
	StatusSimulated SendStatus = "simulated"
)

// SendResult 运营商受理结果
type SendResult struct {
	DeliveryID string     // 运营商消息 ID，用于回执与回复关联
	Status     SendStatus // sent / delivered / simulated
}

// SMSSender 短信发送通道；返回的错误视为可重试的瞬时故障
type SMSSender interface {
	Send(ctx context.Context, phone, message string) (SendResult, error)
}
