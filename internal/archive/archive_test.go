package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store/storetest"
	"CrisisBridge/pkg/storage"
	"CrisisBridge/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveOnlyOldResolvedAlerts(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-2 * 24 * time.Hour)

	mk := func(id string, phase models.AlertPhase, resolvedAt *time.Time) {
		_, err := st.CreateAlert(ctx, &models.CrisisAlert{ID: id, PatientID: "p-1", Severity: models.SeverityLow,
			Phase: phase, Status: phase.Status(), CurrentTier: 1, ResolvedAt: resolvedAt, CreatedAt: old})
		require.NoError(t, err)
	}
	mk("a-old", models.PhaseResolved, &old)
	mk("a-recent", models.PhaseResolved, &recent)
	mk("a-open", models.PhaseExhausted, nil)
	_, err := st.CreateResponse(ctx, &models.SupporterResponse{ID: "r-1", AlertID: "a-old", ResponderID: "x",
		Type: models.ResponseImmediate, Effect: models.EffectAccepted, RespondedAt: old})
	require.NoError(t, err)

	objects := storage.NewMemoryStore()
	ar := New(st, objects, 30*24*time.Hour, util.NewManualClock(now), nil)
	n, err := ar.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := objects.List(ctx, "alerts/")
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts/2026/04/22/a-old.json"}, keys)

	raw, err := objects.Get(ctx, keys[0])
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "a-old", rec.Alert.ID)
	assert.Len(t, rec.Responses, 1)

	a, err := st.GetAlert(ctx, "a-old")
	require.NoError(t, err)
	require.NotNil(t, a.ArchivedAt)

	// 已归档的不会重复导出
	n, err = ar.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	open, err := st.GetAlert(ctx, "a-open")
	require.NoError(t, err)
	assert.Nil(t, open.ArchivedAt)
}
