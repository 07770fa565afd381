package responses

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"CrisisBridge/internal/directory"
	"CrisisBridge/internal/models"
	"CrisisBridge/internal/store"
	"CrisisBridge/internal/store/storetest"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *store.GormStore
	clock     *util.ManualClock
	c         *Collector
	responded []string
}

func newFixture(t *testing.T, phase models.AlertPhase, tier int) *fixture {
	t.Helper()
	s := storetest.New(t)
	storetest.SeedPatient(t, s, "p-1",
		storetest.Member{ID: "r-a", Tier: 1, Active: true},
		storetest.Member{ID: "r-b", Tier: 1, Active: true},
		storetest.Member{ID: "r-c", Tier: 2, Active: true},
		storetest.Member{ID: "r-x", Tier: 1, Active: false},
	)
	storetest.SeedPatient(t, s, "p-2", storetest.Member{ID: "r-other", Tier: 1, Active: true})
	_, err := s.CreateAlert(context.Background(), &models.CrisisAlert{
		ID: "a-1", PatientID: "p-1", Severity: models.SeverityHigh, Message: "help",
		Status: phase.Status(), Phase: phase, CurrentTier: tier, CreatedAt: t0, TransitionAt: t0,
	})
	require.NoError(t, err)

	f := &fixture{store: s, clock: util.NewManualClock(t0.Add(20 * time.Second))}
	sig := util.NewSignals()
	var mu sync.Mutex
	sig.Connect(models.SigAlertResponded, func(sender any, _ ...any) {
		mu.Lock()
		defer mu.Unlock()
		f.responded = append(f.responded, sender.(*models.CrisisAlert).ID)
	})
	f.c = NewCollector(s, directory.New(s, nil, 0, nil), f.clock, sig, nil)
	return f
}

func (f *fixture) alert(t *testing.T) *models.CrisisAlert {
	a, err := f.store.GetAlert(context.Background(), "a-1")
	require.NoError(t, err)
	return a
}

func TestQualifyingResponseClosesAlert(t *testing.T) {
	f := newFixture(t, models.PhaseAwaitingResponse, 1)
	eta := 10
	out, err := f.c.Submit(context.Background(), Request{AlertID: "a-1", ResponderID: "r-b", Type: models.ResponseOnMyWay, EtaMinutes: &eta})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, models.EffectAccepted, out.Response.Effect)
	assert.Equal(t, models.ChannelAPI, out.Response.Channel)

	a := f.alert(t)
	assert.Equal(t, models.PhaseResponded, a.Phase)
	assert.Equal(t, models.StatusResponded, a.Status)
	assert.Equal(t, "r-b", a.FirstResponderID)
	require.NotNil(t, a.FirstResponseAt)
	assert.True(t, a.FirstResponseAt.Equal(t0.Add(20*time.Second)))
	assert.Nil(t, a.NextDeadline)
	assert.Equal(t, []string{"a-1"}, f.responded)
}

func TestNonQualifyingResponseIsOnlyRecorded(t *testing.T) {
	f := newFixture(t, models.PhaseAwaitingResponse, 1)
	out, err := f.c.Submit(context.Background(), Request{AlertID: "a-1", ResponderID: "r-a", Type: models.ResponseCantHelp})
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, models.EffectRecorded, out.Response.Effect)
	assert.Equal(t, models.PhaseAwaitingResponse, f.alert(t).Phase)
	assert.Empty(t, f.responded)
}

func TestSecondQualifyingResponseIsAlreadyHandled(t *testing.T) {
	f := newFixture(t, models.PhaseAwaitingResponse, 2)
	ctx := context.Background()
	_, err := f.c.Submit(ctx, Request{AlertID: "a-1", ResponderID: "r-c", Type: models.ResponseImmediate})
	require.NoError(t, err)

	out, err := f.c.Submit(ctx, Request{AlertID: "a-1", ResponderID: "r-a", Type: models.ResponseImmediate})
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyHandled))
	require.NotNil(t, out)
	assert.Equal(t, models.EffectAlreadyHandled, out.Response.Effect)
	assert.Equal(t, "r-c", f.alert(t).FirstResponderID)

	rs, err := f.store.ListResponses(ctx, "a-1")
	require.NoError(t, err)
	assert.Len(t, rs, 2)
}

func TestDuplicateResponseIDAddsNothing(t *testing.T) {
	f := newFixture(t, models.PhaseAwaitingResponse, 1)
	ctx := context.Background()
	req := Request{ID: "sms:m-1", AlertID: "a-1", ResponderID: "r-a", Type: models.ResponseImmediate, Channel: models.ChannelSMS}
	_, err := f.c.Submit(ctx, req)
	require.NoError(t, err)

	out, err := f.c.Submit(ctx, req)
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyHandled))
	assert.True(t, out.Duplicate)
	assert.Equal(t, "sms:m-1", out.Response.ID)

	rs, _ := f.store.ListResponses(ctx, "a-1")
	assert.Len(t, rs, 1)
	assert.Len(t, f.responded, 1)
}

func TestRejectsInvalidResponses(t *testing.T) {
	f := newFixture(t, models.PhaseAwaitingResponse, 1)
	ctx := context.Background()
	cases := map[string]Request{
		"unknown type":         {AlertID: "a-1", ResponderID: "r-a", Type: "maybe"},
		"unknown responder":    {AlertID: "a-1", ResponderID: "nobody", Type: models.ResponseImmediate},
		"other patient":        {AlertID: "a-1", ResponderID: "r-other", Type: models.ResponseImmediate},
		"tier not yet reached": {AlertID: "a-1", ResponderID: "r-c", Type: models.ResponseImmediate},
		"inactive responder":   {AlertID: "a-1", ResponderID: "r-x", Type: models.ResponseImmediate},
	}
	for name, req := range cases {
		_, err := f.c.Submit(ctx, req)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidResponse), name)
	}
	_, err := f.c.Submit(ctx, Request{AlertID: "missing", ResponderID: "r-a", Type: models.ResponseImmediate})
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	rs, _ := f.store.ListResponses(ctx, "a-1")
	assert.Empty(t, rs)
	assert.Equal(t, models.PhaseAwaitingResponse, f.alert(t).Phase)
}

func TestResolvedAlertRejectsResponses(t *testing.T) {
	f := newFixture(t, models.PhaseResolved, 1)
	_, err := f.c.Submit(context.Background(), Request{AlertID: "a-1", ResponderID: "r-a", Type: models.ResponseImmediate})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidResponse))
}

func TestLateResponseAfterExhaustionIsAccepted(t *testing.T) {
	f := newFixture(t, models.PhaseExhausted, 2)
	out, err := f.c.Submit(context.Background(), Request{AlertID: "a-1", ResponderID: "r-a", Type: models.ResponseImmediate})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, models.StatusResponded, f.alert(t).Status)
}

func TestConcurrentQualifyingResponsesHaveOneWinner(t *testing.T) {
	f := newFixture(t, models.PhaseAwaitingResponse, 2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, id := range []string{"r-a", "r-b", "r-c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := f.c.Submit(context.Background(), Request{AlertID: "a-1", ResponderID: id, Type: models.ResponseImmediate})
			if err != nil && !errors.HasCode(err, errors.CodeAlreadyHandled) {
				t.Error(err)
				return
			}
			if out.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Len(t, f.responded, 1)

	rs, _ := f.store.ListResponses(context.Background(), "a-1")
	assert.Len(t, rs, 3)
}

// racingStore 在预检查之后插入同 ID 的回复，之后再读这条回复失败
type racingStore struct {
	*store.GormStore
	calls int
}

func (s *racingStore) GetResponse(ctx context.Context, id string) (*models.SupporterResponse, error) {
	s.calls++
	if s.calls == 1 {
		_, err := s.GormStore.CreateResponse(ctx, &models.SupporterResponse{
			ID: id, AlertID: "a-1", ResponderID: "r-a", Type: models.ResponseImmediate,
			Channel: models.ChannelSMS, Effect: models.EffectRecorded, RespondedAt: t0,
		})
		if err != nil {
			return nil, err
		}
		return nil, errors.ErrNotFound.WithContext("response", id)
	}
	return nil, stderrors.New("database is locked")
}

func TestConcurrentDuplicateWithFailedReload(t *testing.T) {
	f := newFixture(t, models.PhaseAwaitingResponse, 1)
	rs := &racingStore{GormStore: f.store}
	c := NewCollector(rs, directory.New(rs, nil, 0, nil), f.clock, util.NewSignals(), nil)

	var (
		out *Outcome
		err error
	)
	require.NotPanics(t, func() {
		out, err = c.Submit(context.Background(), Request{ID: "sms:m-1", AlertID: "a-1", ResponderID: "r-a", Type: models.ResponseImmediate, Channel: models.ChannelSMS})
	})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.False(t, errors.HasCode(err, errors.CodeAlreadyHandled))
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, models.PhaseAwaitingResponse, f.alert(t).Phase)
	assert.Empty(t, f.responded)
}
