// Package storetest 测试用的内存数据库与支持网络构造工具
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store"
	"CrisisBridge/pkg/util"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

// New 每个测试一个独立的内存 sqlite
func New(t testing.TB) *store.GormStore {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "file::memory:", logger.Silent)
	require.NoError(t, err)
	s := store.NewGormStore(db)
	require.NoError(t, s.AutoMigrate())
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return s
}

// Member 支持网络成员描述
type Member struct {
	ID     string
	Name   string
	Phone  string
	Tier   int
	Active bool
}

// SeedPatient 创建患者及其联系人，联系人按传入顺序插入
func SeedPatient(t testing.TB, s store.Store, patientID string, members ...Member) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreatePatient(ctx, &models.Patient{ID: patientID, DisplayName: "Patient " + patientID, Locale: "en"}))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, m := range members {
		phone := m.Phone
		if phone == "" {
			phone = fmt.Sprintf("+1555000%04d", i+1)
		}
		require.NoError(t, s.CreateResponder(ctx, &models.Responder{
			ID:           m.ID,
			PatientID:    patientID,
			DisplayName:  m.Name,
			PhoneNumber:  phone,
			Relationship: models.RelationSupporter,
			Tier:         m.Tier,
			Active:       m.Active,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}
}
