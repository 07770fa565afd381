package models

import "time"

// DeliveryStatus 发送状态
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySimulated DeliveryStatus = "simulated"
)

// Reached 已经成功送达（或模拟送达）运营商
func (s DeliveryStatus) Reached() bool {
	return s == DeliverySent || s == DeliveryDelivered || s == DeliverySimulated
}

func (s DeliveryStatus) Valid() bool {
	return s == DeliverySent || s == DeliveryFailed || s.Reached()
}

// NotificationAttempt 每个 (alert, responder, tier) 一行，重试原地更新
type NotificationAttempt struct {
	ID                 string         `json:"id" gorm:"primaryKey;size:64"`
	AlertID            string         `json:"alertId" gorm:"size:64;uniqueIndex:uk_attempt_alert_responder_tier"`
	ResponderID        string         `json:"responderId" gorm:"size:64;uniqueIndex:uk_attempt_alert_responder_tier"`
	Tier               int            `json:"tier" gorm:"uniqueIndex:uk_attempt_alert_responder_tier"`
	PhoneNumber        string         `json:"phoneNumber" gorm:"size:32;index"`
	SentAt             time.Time      `json:"sentAt"`
	Status             DeliveryStatus `json:"status" gorm:"size:16"`
	TransportMessageID string         `json:"transportMessageId,omitempty" gorm:"size:128;index"`
	Attempts           int            `json:"attempts"`
	ErrorDetail        *string        `json:"errorDetail,omitempty" gorm:"type:text"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

func (NotificationAttempt) TableName() string { return "notification_attempts" }
