package models

import "time"

// Patient 被支持的患者
type Patient struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	DisplayName string    `json:"displayName" gorm:"size:128"`
	Locale      string    `json:"locale" gorm:"size:16"` // 短信模板语言，如 en、zh
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// 联系人关系
const (
	RelationSupporter        = "supporter"
	RelationProvider         = "provider"
	RelationEmergencyContact = "emergency_contact"
)

// Responder 支持网络中的联系人，引擎只读
type Responder struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	PatientID    string    `json:"patientId" gorm:"size:64;index"`
	DisplayName  string    `json:"displayName" gorm:"size:128"`
	PhoneNumber  string    `json:"phoneNumber" gorm:"size:32;index"` // E.164
	Relationship string    `json:"relationship" gorm:"size:32"`
	Tier         int       `json:"tier"` // >=1，越小越先通知
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"` // 同梯队内按插入顺序
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (Responder) TableName() string { return "responders" }
