package store

import (
	"context"
	"time"

	"CrisisBridge/internal/models"
	"CrisisBridge/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 持久化接口：警报、通知记录、回复与支持网络
type Store interface {
	CreateAlert(ctx context.Context, a *models.CrisisAlert) (created bool, err error)
	GetAlert(ctx context.Context, id string) (*models.CrisisAlert, error)
	// UpdateAlert 带版本号的条件更新，成功后 a.Version 自增；版本不一致返回 ErrVersionConflict
	UpdateAlert(ctx context.Context, a *models.CrisisAlert) error
	ListDueAlerts(ctx context.Context, now time.Time, limit int) ([]models.CrisisAlert, error)
	ListStalledAlerts(ctx context.Context, before time.Time, limit int) ([]models.CrisisAlert, error)
	ListArchivableAlerts(ctx context.Context, resolvedBefore time.Time, limit int) ([]models.CrisisAlert, error)
	MarkArchived(ctx context.Context, id string, at time.Time) error

	CreatePatient(ctx context.Context, p *models.Patient) error
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	CreateResponder(ctx context.Context, r *models.Responder) error
	SaveResponder(ctx context.Context, r *models.Responder) error
	GetResponder(ctx context.Context, id string) (*models.Responder, error)
	ListResponders(ctx context.Context, patientID string) ([]models.Responder, error)

	GetAttempt(ctx context.Context, alertID, responderID string, tier int) (*models.NotificationAttempt, error)
	UpsertAttempt(ctx context.Context, at *models.NotificationAttempt) error
	FindAttemptByTransportID(ctx context.Context, transportID string) (*models.NotificationAttempt, error)
	ListAttempts(ctx context.Context, alertID string) ([]models.NotificationAttempt, error)
	LatestOpenAttemptForPhone(ctx context.Context, phone string) (*models.NotificationAttempt, error)

	GetResponse(ctx context.Context, id string) (*models.SupporterResponse, error)
	CreateResponse(ctx context.Context, r *models.SupporterResponse) (created bool, err error)
	ListResponses(ctx context.Context, alertID string) ([]models.SupporterResponse, error)

	// Transaction 在同一事务内执行 fn，fn 返回错误则回滚
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// GormStore 基于 gorm 的实现，sqlite / mysql / pg 通用
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 建表
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(models.AllModels()...)
}

// DB 暴露底层连接，用于健康检查
func (s *GormStore) DB() *gorm.DB { return s.db }

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(errors.ErrNotFound, "%s %s not found", what, id)
	}
	return errors.Wrapf(err, "load %s %s", what, id)
}

func (s *GormStore) CreateAlert(ctx context.Context, a *models.CrisisAlert) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "create alert %s", a.ID)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) GetAlert(ctx context.Context, id string) (*models.CrisisAlert, error) {
	var a models.CrisisAlert
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err, "alert", id)
	}
	return &a, nil
}

func (s *GormStore) UpdateAlert(ctx context.Context, a *models.CrisisAlert) error {
	next := *a
	next.Version = a.Version + 1
	res := s.db.WithContext(ctx).Model(&models.CrisisAlert{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Select("*").Omit("ID", "CreatedAt").
		Updates(&next)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update alert %s", a.ID)
	}
	if res.RowsAffected == 0 {
		var n int64
		s.db.WithContext(ctx).Model(&models.CrisisAlert{}).Where("id = ?", a.ID).Count(&n)
		if n == 0 {
			return errors.Wrapf(errors.ErrNotFound, "alert %s not found", a.ID)
		}
		return errors.Wrapf(errors.ErrVersionConflict, "alert %s version %d is stale", a.ID, a.Version)
	}
	a.Version = next.Version
	a.UpdatedAt = next.UpdatedAt
	return nil
}

// ListDueAlerts 截止时间已过、仍在等待回复的警报
func (s *GormStore) ListDueAlerts(ctx context.Context, now time.Time, limit int) ([]models.CrisisAlert, error) {
	var out []models.CrisisAlert
	err := s.db.WithContext(ctx).
		Where("phase = ? AND next_deadline IS NOT NULL AND next_deadline <= ?", models.PhaseAwaitingResponse, now).
		Order("next_deadline ASC").Limit(limit).Find(&out).Error
	return out, errors.Wrap(err, "list due alerts")
}

// ListStalledAlerts 停留在 pending / notifying 的警报，通常是进程在发送中途崩溃
func (s *GormStore) ListStalledAlerts(ctx context.Context, before time.Time, limit int) ([]models.CrisisAlert, error) {
	var out []models.CrisisAlert
	err := s.db.WithContext(ctx).
		Where("phase IN ? AND transition_at <= ?", []models.AlertPhase{models.PhasePending, models.PhaseNotifying}, before).
		Order("transition_at ASC").Limit(limit).Find(&out).Error
	return out, errors.Wrap(err, "list stalled alerts")
}

func (s *GormStore) ListArchivableAlerts(ctx context.Context, resolvedBefore time.Time, limit int) ([]models.CrisisAlert, error) {
	var out []models.CrisisAlert
	err := s.db.WithContext(ctx).
		Where("phase = ? AND archived_at IS NULL AND resolved_at <= ?", models.PhaseResolved, resolvedBefore).
		Order("resolved_at ASC").Limit(limit).Find(&out).Error
	return out, errors.Wrap(err, "list archivable alerts")
}

// MarkArchived 只允许归档已解决的警报
func (s *GormStore) MarkArchived(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.CrisisAlert{}).
		Where("id = ? AND phase = ? AND archived_at IS NULL", id, models.PhaseResolved).
		Update("archived_at", at)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "archive alert %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.WithCodef(errors.CodeInvalidRequest, "alert %s is not archivable", id)
	}
	return nil
}

func (s *GormStore) CreatePatient(ctx context.Context, p *models.Patient) error {
	return errors.Wrapf(s.db.WithContext(ctx).Create(p).Error, "create patient %s", p.ID)
}

func (s *GormStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	var p models.Patient
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err, "patient", id)
	}
	return &p, nil
}

func (s *GormStore) CreateResponder(ctx context.Context, r *models.Responder) error {
	return errors.Wrapf(s.db.WithContext(ctx).Create(r).Error, "create responder %s", r.ID)
}

func (s *GormStore) SaveResponder(ctx context.Context, r *models.Responder) error {
	return errors.Wrapf(s.db.WithContext(ctx).Save(r).Error, "save responder %s", r.ID)
}

func (s *GormStore) GetResponder(ctx context.Context, id string) (*models.Responder, error) {
	var r models.Responder
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err, "responder", id)
	}
	return &r, nil
}

// ListResponders 按梯队、插入顺序排序，包含未启用的联系人
func (s *GormStore) ListResponders(ctx context.Context, patientID string) ([]models.Responder, error) {
	var out []models.Responder
	err := s.db.WithContext(ctx).Where("patient_id = ?", patientID).
		Order("tier ASC, created_at ASC, id ASC").Find(&out).Error
	return out, errors.Wrapf(err, "list responders of %s", patientID)
}

func (s *GormStore) GetAttempt(ctx context.Context, alertID, responderID string, tier int) (*models.NotificationAttempt, error) {
	var at models.NotificationAttempt
	err := s.db.WithContext(ctx).
		Where("alert_id = ? AND responder_id = ? AND tier = ?", alertID, responderID, tier).
		First(&at).Error
	if err != nil {
		return nil, notFound(err, "attempt", alertID+"/"+responderID)
	}
	return &at, nil
}

// UpsertAttempt 以 (alert_id, responder_id, tier) 为唯一键，重试与回执都原地更新，保留原主键
func (s *GormStore) UpsertAttempt(ctx context.Context, at *models.NotificationAttempt) error {
	db := s.db.WithContext(ctx)
	var cur models.NotificationAttempt
	err := db.Where("alert_id = ? AND responder_id = ? AND tier = ?", at.AlertID, at.ResponderID, at.Tier).
		First(&cur).Error
	if err == nil {
		at.ID, at.CreatedAt = cur.ID, cur.CreatedAt
		err = db.Model(&cur).
			Select("phone_number", "sent_at", "status", "transport_message_id", "attempts", "error_detail", "updated_at").
			Updates(at).Error
		return errors.Wrapf(err, "update attempt %s/%s tier %d", at.AlertID, at.ResponderID, at.Tier)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(err, "load attempt %s/%s tier %d", at.AlertID, at.ResponderID, at.Tier)
	}
	if at.ID == "" {
		at.ID = uuid.NewString()
	}
	// 并发插入同一键时退化为更新
	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "alert_id"}, {Name: "responder_id"}, {Name: "tier"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"phone_number", "sent_at", "status", "transport_message_id", "attempts", "error_detail", "updated_at",
		}),
	}).Create(at).Error
	return errors.Wrapf(err, "upsert attempt %s/%s tier %d", at.AlertID, at.ResponderID, at.Tier)
}

func (s *GormStore) FindAttemptByTransportID(ctx context.Context, transportID string) (*models.NotificationAttempt, error) {
	var at models.NotificationAttempt
	if err := s.db.WithContext(ctx).Where("transport_message_id = ?", transportID).First(&at).Error; err != nil {
		return nil, notFound(err, "attempt with delivery id", transportID)
	}
	return &at, nil
}

func (s *GormStore) ListAttempts(ctx context.Context, alertID string) ([]models.NotificationAttempt, error) {
	var out []models.NotificationAttempt
	err := s.db.WithContext(ctx).Where("alert_id = ?", alertID).
		Order("tier ASC, sent_at ASC, id ASC").Find(&out).Error
	return out, errors.Wrapf(err, "list attempts of %s", alertID)
}

// LatestOpenAttemptForPhone 找到该号码最近一次、且警报未解决的通知，用于短信回复路由
func (s *GormStore) LatestOpenAttemptForPhone(ctx context.Context, phone string) (*models.NotificationAttempt, error) {
	var at models.NotificationAttempt
	err := s.db.WithContext(ctx).
		Joins("JOIN crisis_alerts ON crisis_alerts.id = notification_attempts.alert_id").
		Where("notification_attempts.phone_number = ? AND crisis_alerts.phase <> ?", phone, models.PhaseResolved).
		Order("notification_attempts.sent_at DESC").
		First(&at).Error
	if err != nil {
		return nil, notFound(err, "open attempt for phone", phone)
	}
	return &at, nil
}

func (s *GormStore) GetResponse(ctx context.Context, id string) (*models.SupporterResponse, error) {
	var r models.SupporterResponse
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err, "response", id)
	}
	return &r, nil
}

// CreateResponse 以回复 ID 去重，重复投递返回 created=false
func (s *GormStore) CreateResponse(ctx context.Context, r *models.SupporterResponse) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(r)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "create response %s", r.ID)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ListResponses(ctx context.Context, alertID string) ([]models.SupporterResponse, error) {
	var out []models.SupporterResponse
	err := s.db.WithContext(ctx).Where("alert_id = ?", alertID).
		Order("responded_at ASC, created_at ASC").Find(&out).Error
	return out, errors.Wrapf(err, "list responses of %s", alertID)
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}
