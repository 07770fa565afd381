package models

import "time"

// ResponseType 联系人回复类型
type ResponseType string

const (
	ResponseImmediate ResponseType = "immediate"
	ResponseOnMyWay   ResponseType = "on_my_way"
	ResponseCantHelp  ResponseType = "cant_help"
	ResponseDelegated ResponseType = "delegated"
)

func (t ResponseType) Valid() bool {
	switch t {
	case ResponseImmediate, ResponseOnMyWay, ResponseCantHelp, ResponseDelegated:
		return true
	}
	return false
}

// Qualifying 只有 immediate / on_my_way 能结束当前梯队的升级
func (t ResponseType) Qualifying() bool {
	return t == ResponseImmediate || t == ResponseOnMyWay
}

// 回复对警报的影响
const (
	EffectAccepted       = "accepted"        // 改变了警报状态
	EffectRecorded       = "recorded"        // 仅审计
	EffectAlreadyHandled = "already_handled" // 警报已被其他回复关闭
)

// 回复来源
const (
	ChannelAPI = "api"
	ChannelSMS = "sms"
)

// SupporterResponse 联系人回复，只追加不修改
type SupporterResponse struct {
	ID          string       `json:"id" gorm:"primaryKey;size:128"`
	AlertID     string       `json:"alertId" gorm:"size:64;index"`
	ResponderID string       `json:"responderId" gorm:"size:64"`
	Type        ResponseType `json:"type" gorm:"size:16"`
	EtaMinutes  *int         `json:"etaMinutes,omitempty"`
	Notes       string       `json:"notes,omitempty" gorm:"type:text"`
	Channel     string       `json:"channel" gorm:"size:8"`
	Effect      string       `json:"effect" gorm:"size:16"`
	RespondedAt time.Time    `json:"respondedAt"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func (SupporterResponse) TableName() string { return "supporter_responses" }

// AllModels 需要自动迁移的模型
func AllModels() []any {
	return []any{&Patient{}, &Responder{}, &CrisisAlert{}, &NotificationAttempt{}, &SupporterResponse{}}
}
