package models

import (
	"time"
)

// Severity 危机等级
type Severity string

const (
	SeverityLow       Severity = "low"
	SeverityMedium    Severity = "medium"
	SeverityHigh      Severity = "high"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeverityEmergency:
		return true
	}
	return false
}

// AlertStatus 对外持久化的状态，只能前进：active → {responded|escalated}* → resolved
type AlertStatus string

const (
	StatusActive    AlertStatus = "active"
	StatusResponded AlertStatus = "responded"
	StatusEscalated AlertStatus = "escalated" // escalated-exhausted，需要人工介入
	StatusResolved  AlertStatus = "resolved"
)

// rank 用于校验状态单调前进
func (s AlertStatus) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusResponded, StatusEscalated:
		return 1
	case StatusResolved:
		return 2
	}
	return -1
}

// AlertPhase 升级状态机的内部阶段
type AlertPhase string

const (
	PhasePending          AlertPhase = "pending"
	PhaseNotifying        AlertPhase = "notifying"
	PhaseAwaitingResponse AlertPhase = "awaiting_response"
	PhaseResponded        AlertPhase = "responded"
	PhaseResolved         AlertPhase = "resolved"
	PhaseExhausted        AlertPhase = "exhausted_unresolved"
)

// phaseTransitions 唯一的状态迁移表，所有写入都经过 CanTransitionTo 校验
var phaseTransitions = map[AlertPhase][]AlertPhase{
	PhasePending:          {PhaseNotifying, PhaseResponded, PhaseExhausted, PhaseResolved},
	PhaseNotifying:        {PhaseNotifying, PhaseAwaitingResponse, PhaseResponded, PhaseExhausted, PhaseResolved},
	PhaseAwaitingResponse: {PhaseNotifying, PhaseResponded, PhaseResolved},
	PhaseExhausted:        {PhaseResponded, PhaseResolved},
	PhaseResponded:        {PhaseResolved},
	PhaseResolved:         {},
}

// CanTransitionTo 判断阶段迁移是否合法；notifying → notifying 仅用于进入下一梯队
func (p AlertPhase) CanTransitionTo(next AlertPhase) bool {
	for _, n := range phaseTransitions[p] {
		if n == next {
			return true
		}
	}
	return false
}

// Status 阶段对应的持久化状态
func (p AlertPhase) Status() AlertStatus {
	switch p {
	case PhaseResponded:
		return StatusResponded
	case PhaseResolved:
		return StatusResolved
	case PhaseExhausted:
		return StatusEscalated
	default:
		return StatusActive
	}
}

// Terminal 不会再触发任何升级
func (p AlertPhase) Terminal() bool {
	return p == PhaseResponded || p == PhaseResolved || p == PhaseExhausted
}

// 梯队耗尽的原因
const (
	ExhaustedNoResponders = "no_responders"
	ExhaustedTiers        = "tiers_exhausted"
)

// CrisisAlert 危机警报
type CrisisAlert struct {
	ID               string      `json:"id" gorm:"primaryKey;size:64"`
	PatientID        string      `json:"patientId" gorm:"size:64;index"`
	Severity         Severity    `json:"severity" gorm:"size:16"`
	Message          string      `json:"message" gorm:"type:text"`
	Latitude         *float64    `json:"latitude,omitempty"`
	Longitude        *float64    `json:"longitude,omitempty"`
	Address          string      `json:"address,omitempty" gorm:"size:512"`
	Status           AlertStatus `json:"status" gorm:"size:16;index"`
	Phase            AlertPhase  `json:"phase" gorm:"size:32;index:idx_alert_phase_deadline"`
	CurrentTier      int         `json:"currentTier"`
	Version          int64       `json:"version"`                                                      // 乐观锁
	NextDeadline     *time.Time  `json:"nextDeadline,omitempty" gorm:"index:idx_alert_phase_deadline"` // 持久化的升级计时
	FirstResponderID string      `json:"firstResponderId,omitempty" gorm:"size:64"`
	FirstResponseAt  *time.Time  `json:"firstResponseAt,omitempty"`
	ExhaustedAt      *time.Time  `json:"exhaustedAt,omitempty"`
	ExhaustionReason string      `json:"exhaustionReason,omitempty" gorm:"size:32"`
	ResolvedAt       *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy       string      `json:"resolvedBy,omitempty" gorm:"size:64"`
	ResolutionNotes  string      `json:"resolutionNotes,omitempty" gorm:"type:text"`
	ArchivedAt       *time.Time  `json:"archivedAt,omitempty" gorm:"index"`
	TransitionAt     time.Time   `json:"transitionAt" gorm:"index"` // 最近一次状态写入时间，用于发现卡住的警报
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

func (CrisisAlert) TableName() string { return "crisis_alerts" }

// MoveTo 按迁移表推进阶段，同步更新状态；返回 false 表示迁移非法，alert 不做任何修改
func (a *CrisisAlert) MoveTo(next AlertPhase) bool {
	if !a.Phase.CanTransitionTo(next) {
		return false
	}
	if next.Status().rank() < a.Status.rank() {
		return false
	}
	a.Phase = next
	a.Status = next.Status()
	if next != PhaseAwaitingResponse {
		a.NextDeadline = nil
	}
	return true
}

// Location 可选的地理位置
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"`
}

func (a *CrisisAlert) Location() *Location {
	if a.Latitude == nil || a.Longitude == nil {
		if a.Address == "" {
			return nil
		}
		return &Location{Address: a.Address}
	}
	return &Location{Latitude: *a.Latitude, Longitude: *a.Longitude, Address: a.Address}
}

// 信号名
const (
	SigAlertCreated   = "alert.created"
	SigAlertEscalated = "alert.escalated"
	SigAlertResponded = "alert.responded"
	SigAlertExhausted = "alert.exhausted"
	SigAlertResolved  = "alert.resolved"
)
