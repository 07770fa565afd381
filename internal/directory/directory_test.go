package directory

import (
	"context"
	"testing"
	"time"

	"CrisisBridge/internal/store/storetest"
	"CrisisBridge/pkg/cache"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache() cache.Cache {
	return cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute})
}

func ids(t Tier) []string {
	var out []string
	for _, r := range t.Responders {
		out = append(out, r.ID)
	}
	return out
}

func TestResolveTiersDenseAndOrdered(t *testing.T) {
	s := storetest.New(t)
	storetest.SeedPatient(t, s, "p-1",
		storetest.Member{ID: "c", Tier: 3, Active: true},
		storetest.Member{ID: "a", Tier: 1, Active: true},
		storetest.Member{ID: "x", Tier: 2, Active: false},
		storetest.Member{ID: "b", Tier: 1, Active: true},
	)
	d := New(s, nil, 0, nil)

	tiers, err := d.ResolveTiers(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, 1, tiers[0].Number)
	assert.Equal(t, []string{"a", "b"}, ids(tiers[0]))
	assert.Equal(t, 2, tiers[1].Number)
	assert.Equal(t, []string{"c"}, ids(tiers[1]))
}

func TestResolveTiersErrors(t *testing.T) {
	s := storetest.New(t)
	storetest.SeedPatient(t, s, "lonely", storetest.Member{ID: "z", Tier: 1, Active: false})
	d := New(s, newCache(), time.Minute, nil)
	ctx := context.Background()

	_, err := d.ResolveTiers(ctx, "ghost")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	_, err = d.ResolveTiers(ctx, "lonely")
	assert.True(t, errors.HasCode(err, errors.CodeNoResponders))

	// 缓存命中也返回同样的错误
	_, err = d.ResolveTiers(ctx, "lonely")
	assert.True(t, errors.HasCode(err, errors.CodeNoResponders))
}

func TestResolveTiersCachesUntilInvalidated(t *testing.T) {
	s := storetest.New(t)
	storetest.SeedPatient(t, s, "p-1", storetest.Member{ID: "a", Tier: 1, Active: true})
	d := New(s, newCache(), time.Minute, metrics.NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	tiers, err := d.ResolveTiers(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, tiers, 1)

	r, err := s.GetResponder(ctx, "a")
	require.NoError(t, err)
	r.Active = false
	require.NoError(t, s.SaveResponder(ctx, r))

	tiers, err = d.ResolveTiers(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, tiers, 1)

	d.Invalidate(ctx, "p-1")
	_, err = d.ResolveTiers(ctx, "p-1")
	assert.True(t, errors.HasCode(err, errors.CodeNoResponders))
}

func TestTierAt(t *testing.T) {
	s := storetest.New(t)
	storetest.SeedPatient(t, s, "p-1",
		storetest.Member{ID: "a", Tier: 1, Active: true},
		storetest.Member{ID: "b", Tier: 5, Active: true},
	)
	d := New(s, nil, 0, nil)
	ctx := context.Background()

	tier, total, err := d.TierAt(ctx, "p-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"b"}, ids(*tier))

	tier, total, err = d.TierAt(ctx, "p-1", 3)
	require.NoError(t, err)
	assert.Nil(t, tier)
	assert.Equal(t, 2, total)
}
