package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"CrisisBridge/internal/dispatch"
	"CrisisBridge/internal/models"
	"CrisisBridge/internal/responses"
	"CrisisBridge/internal/store"
	"CrisisBridge/internal/store/storetest"
	"CrisisBridge/pkg/cache"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/i18n"
	"CrisisBridge/pkg/notification"
	"CrisisBridge/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	phoneA = "+15550000001"
	phoneB = "+15550000002"
	phoneC = "+15550000003"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.GormStore
	clock *util.ManualClock
	sig   *util.Signals
	e     *Engine
}

func twoTiers() []storetest.Member {
	return []storetest.Member{
		{ID: "r-a", Name: "A", Phone: phoneA, Tier: 1, Active: true},
		{ID: "r-b", Name: "B", Phone: phoneB, Tier: 1, Active: true},
		{ID: "r-c", Name: "C", Phone: phoneC, Tier: 2, Active: true},
	}
}

func newFixture(t *testing.T, sms notification.SMSSender, members ...storetest.Member) *fixture {
	t.Helper()
	st := storetest.New(t)
	storetest.SeedPatient(t, st, "p-1", members...)
	tr, err := i18n.NewI18nSupport("en", "")
	require.NoError(t, err)
	f := &fixture{store: st, clock: util.NewManualClock(t0), sig: util.NewSignals()}
	f.e = New(Options{
		Store:    st,
		SMS:      sms,
		I18n:     tr,
		Cache:    cache.NewLocalCache(cache.LocalConfig{MaxSize: 100, DefaultExpiration: time.Minute}),
		Clock:    f.clock,
		Signals:  f.sig,
		Dispatch: dispatch.Config{InitialBackoff: time.Millisecond},
	})
	return f
}

func (f *fixture) status(t *testing.T, id string) *AlertSnapshot {
	t.Helper()
	snap, err := f.e.GetAlertStatus(context.Background(), id)
	require.NoError(t, err)
	return snap
}

func TestScenarioLateReplyFromFirstTierAfterEscalation(t *testing.T) {
	sms := notification.NewSimulatedSMS()
	f := newFixture(t, sms, twoTiers()...)
	ctx := context.Background()

	id, err := f.e.CreateAlert(ctx, CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh, Message: "panic attack"})
	require.NoError(t, err)
	assert.Len(t, sms.SentTo(phoneA), 1)
	assert.Len(t, sms.SentTo(phoneB), 1)

	f.clock.Advance(31 * time.Second)
	_, err = f.e.Sweep(ctx)
	require.NoError(t, err)

	snap := f.status(t, id)
	assert.Equal(t, models.StatusActive, snap.Alert.Status)
	assert.Equal(t, 2, snap.Alert.CurrentTier)
	var tier2 []string
	for _, at := range snap.Attempts {
		if at.Tier == 2 {
			tier2 = append(tier2, at.ResponderID)
		}
	}
	assert.Equal(t, []string{"r-c"}, tier2)

	f.clock.Advance(4 * time.Second)
	out, err := f.e.HandleInboundReply(ctx, phoneB, "on my way 10", "m-1")
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	require.NotNil(t, out.Response.EtaMinutes)
	assert.Equal(t, 10, *out.Response.EtaMinutes)

	snap = f.status(t, id)
	assert.Equal(t, models.StatusResponded, snap.Alert.Status)
	assert.Equal(t, "r-b", snap.Alert.FirstResponderID)
	assert.True(t, snap.Alert.FirstResponseAt.Equal(t0.Add(35*time.Second)))

	f.clock.Advance(5 * time.Minute)
	_, err = f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, sms.Sent(), 3, "no further tiers notified")
}

func TestScenarioSingleResponderUnreachableExhausts(t *testing.T) {
	sms := notification.NewSimulatedSMS()
	sms.SetDown(phoneA, true)
	f := newFixture(t, sms, storetest.Member{ID: "r-a", Phone: phoneA, Tier: 1, Active: true})

	id, err := f.e.CreateAlert(context.Background(), CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh})
	assert.True(t, errors.HasCode(err, errors.CodeEscalationExhausted))
	require.NotEmpty(t, id)
	assert.Equal(t, 3, sms.Calls(phoneA))

	snap := f.status(t, id)
	assert.Equal(t, models.StatusEscalated, snap.Alert.Status)
	assert.Equal(t, models.PhaseExhausted, snap.Alert.Phase)
	require.Len(t, snap.Attempts, 1)
	assert.Equal(t, models.DeliveryFailed, snap.Attempts[0].Status)
	assert.Equal(t, 3, snap.Attempts[0].Attempts)
}

func TestScenarioSimultaneousRepliesHaveOneFirstResponder(t *testing.T) {
	f := newFixture(t, notification.NewSimulatedSMS(), twoTiers()...)
	ctx := context.Background()
	id, err := f.e.CreateAlert(ctx, CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, r := range []string{"r-a", "r-b"} {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			_, _ = f.e.SubmitResponse(ctx, responses.Request{AlertID: id, ResponderID: r, Type: models.ResponseImmediate})
		}(r)
	}
	wg.Wait()

	snap := f.status(t, id)
	assert.Equal(t, models.StatusResponded, snap.Alert.Status)
	assert.Contains(t, []string{"r-a", "r-b"}, snap.Alert.FirstResponderID)
	require.Len(t, snap.Responses, 2)
	effects := map[string]int{}
	for _, r := range snap.Responses {
		effects[r.Effect]++
	}
	assert.Equal(t, map[string]int{models.EffectAccepted: 1, models.EffectAlreadyHandled: 1}, effects)
}

func TestCreateAlertUnknownPatientPersistsNothing(t *testing.T) {
	f := newFixture(t, notification.NewSimulatedSMS(), twoTiers()...)
	ctx := context.Background()
	_, err := f.e.CreateAlert(ctx, CreateAlertRequest{ID: "a-x", PatientID: "ghost", Severity: models.SeverityLow})
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
	_, err = f.e.GetAlertStatus(ctx, "a-x")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestCreateAlertValidates(t *testing.T) {
	f := newFixture(t, notification.NewSimulatedSMS(), twoTiers()...)
	bad := []CreateAlertRequest{
		{PatientID: "", Severity: models.SeverityHigh},
		{PatientID: "p-1", Severity: "catastrophic"},
		{PatientID: "p-1", Severity: models.SeverityHigh, Location: &models.Location{Latitude: 91}},
	}
	for _, req := range bad {
		_, err := f.e.CreateAlert(context.Background(), req)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest), fmt.Sprint(req))
	}
}

func TestCreateAlertWithoutRespondersIsSurfaced(t *testing.T) {
	var exhausted []string
	f := newFixture(t, notification.NewSimulatedSMS())
	f.sig.Connect(models.SigAlertExhausted, func(sender any, params ...any) {
		exhausted = append(exhausted, params[0].(string))
	})

	id, err := f.e.CreateAlert(context.Background(), CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityCritical})
	assert.True(t, errors.HasCode(err, errors.CodeNoResponders))
	require.NotEmpty(t, id)
	assert.Equal(t, models.StatusEscalated, f.status(t, id).Alert.Status)
	assert.Equal(t, []string{models.ExhaustedNoResponders}, exhausted)

	// 重复上报得到同样的结果
	again, err := f.e.CreateAlert(context.Background(), CreateAlertRequest{ID: id, PatientID: "p-1", Severity: models.SeverityCritical})
	assert.Equal(t, id, again)
	assert.True(t, errors.HasCode(err, errors.CodeNoResponders))
}

func TestCreateAlertIsIdempotentOnClientID(t *testing.T) {
	sms := notification.NewSimulatedSMS()
	f := newFixture(t, sms, twoTiers()...)
	ctx := context.Background()
	req := CreateAlertRequest{ID: "client-1", PatientID: "p-1", Severity: models.SeverityHigh}

	id1, err := f.e.CreateAlert(ctx, req)
	require.NoError(t, err)
	id2, err := f.e.CreateAlert(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "client-1", id1)
	assert.Equal(t, id1, id2)
	assert.Len(t, sms.Sent(), 2)

	storetest.SeedPatient(t, f.store, "p-2")
	_, err = f.e.CreateAlert(ctx, CreateAlertRequest{ID: "client-1", PatientID: "p-2", Severity: models.SeverityHigh})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
}

func TestDuplicateReplyWebhookIsIdempotent(t *testing.T) {
	f := newFixture(t, notification.NewSimulatedSMS(), twoTiers()...)
	ctx := context.Background()
	responded := 0
	f.sig.Connect(models.SigAlertResponded, func(any, ...any) { responded++ })

	id, err := f.e.CreateAlert(ctx, CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh})
	require.NoError(t, err)

	_, err = f.e.HandleInboundReply(ctx, phoneA, "YES", "m-7")
	require.NoError(t, err)
	out, err := f.e.HandleInboundReply(ctx, phoneA, "YES", "m-7")
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyHandled))
	assert.True(t, out.Duplicate)

	snap := f.status(t, id)
	assert.Len(t, snap.Responses, 1)
	assert.Equal(t, "sms:m-7", snap.Responses[0].ID)
	assert.Equal(t, models.ChannelSMS, snap.Responses[0].Channel)
	assert.Equal(t, 1, responded)
}

func TestInboundReplyRejections(t *testing.T) {
	f := newFixture(t, notification.NewSimulatedSMS(), twoTiers()...)
	ctx := context.Background()
	_, err := f.e.CreateAlert(ctx, CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh})
	require.NoError(t, err)

	_, err = f.e.HandleInboundReply(ctx, "+19999999999", "yes", "m-1")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidResponse))
	_, err = f.e.HandleInboundReply(ctx, phoneA, "who is this?", "m-2")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidResponse))
}

func TestQualifyingResponseStopsEscalation(t *testing.T) {
	sms := notification.NewSimulatedSMS()
	f := newFixture(t, sms, twoTiers()...)
	ctx := context.Background()
	id, err := f.e.CreateAlert(ctx, CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh})
	require.NoError(t, err)

	_, err = f.e.SubmitResponse(ctx, responses.Request{AlertID: id, ResponderID: "r-a", Type: models.ResponseImmediate})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Empty(t, sms.SentTo(phoneC))
}

func TestResolveCancelsPendingEscalation(t *testing.T) {
	sms := notification.NewSimulatedSMS()
	f := newFixture(t, sms, twoTiers()...)
	ctx := context.Background()
	id, err := f.e.CreateAlert(ctx, CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh})
	require.NoError(t, err)

	_, err = f.e.ResolveAlert(ctx, id, "", "")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))

	a, err := f.e.ResolveAlert(ctx, id, "op-1", "false alarm")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, a.Status)

	f.clock.Advance(time.Hour)
	_, err = f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, sms.SentTo(phoneC))

	_, err = f.e.ResolveAlert(ctx, id, "op-1", "")
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyHandled))
	_, err = f.e.SubmitResponse(ctx, responses.Request{AlertID: id, ResponderID: "r-a", Type: models.ResponseImmediate})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidResponse))
	assert.Equal(t, models.StatusResolved, f.status(t, id).Alert.Status)
}

func TestResolveFromExhausted(t *testing.T) {
	f := newFixture(t, notification.NewSimulatedSMS())
	id, _ := f.e.CreateAlert(context.Background(), CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityLow})
	a, err := f.e.ResolveAlert(context.Background(), id, "op-1", "called patient")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, a.Status)
}

// gatewaySMS 只返回 sent，送达结果由回执决定
type gatewaySMS struct {
	mu  sync.Mutex
	ids map[string][]string
}

func (g *gatewaySMS) Send(_ context.Context, phone, _ string) (notification.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ids == nil {
		g.ids = make(map[string][]string)
	}
	id := fmt.Sprintf("gw-%s-%d", phone, len(g.ids[phone]))
	g.ids[phone] = append(g.ids[phone], id)
	return notification.SendResult{DeliveryID: id, Status: notification.StatusSent}, nil
}

func (g *gatewaySMS) last(phone string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.ids[phone]
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

func TestFailedDeliveriesEscalateEarly(t *testing.T) {
	gw := &gatewaySMS{}
	f := newFixture(t, gw, twoTiers()...)
	ctx := context.Background()
	id, err := f.e.CreateAlert(ctx, CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh})
	require.NoError(t, err)

	require.NoError(t, f.e.HandleDeliveryStatus(ctx, gw.last(phoneA), models.DeliveryFailed))
	assert.Equal(t, 1, f.status(t, id).Alert.CurrentTier, "one responder may still be reached")

	// 回执重复推送与未知 ID 都是安全的
	require.NoError(t, f.e.HandleDeliveryStatus(ctx, gw.last(phoneA), models.DeliveryFailed))
	require.NoError(t, f.e.HandleDeliveryStatus(ctx, "unknown", models.DeliveryDelivered))

	require.NoError(t, f.e.HandleDeliveryStatus(ctx, gw.last(phoneB), models.DeliveryFailed))
	snap := f.status(t, id)
	assert.Equal(t, 2, snap.Alert.CurrentTier)
	assert.Equal(t, models.PhaseAwaitingResponse, snap.Alert.Phase)
	assert.NotEmpty(t, gw.last(phoneC))

	err = f.e.HandleDeliveryStatus(ctx, gw.last(phoneC), "bounced")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
}

func TestDeliveredIsNeverDowngraded(t *testing.T) {
	gw := &gatewaySMS{}
	f := newFixture(t, gw, twoTiers()...)
	ctx := context.Background()
	id, err := f.e.CreateAlert(ctx, CreateAlertRequest{PatientID: "p-1", Severity: models.SeverityHigh})
	require.NoError(t, err)

	require.NoError(t, f.e.HandleDeliveryStatus(ctx, gw.last(phoneA), models.DeliveryDelivered))
	require.NoError(t, f.e.HandleDeliveryStatus(ctx, gw.last(phoneA), models.DeliverySent))
	require.NoError(t, f.e.HandleDeliveryStatus(ctx, gw.last(phoneA), models.DeliveryFailed))

	for _, at := range f.status(t, id).Attempts {
		if at.ResponderID == "r-a" {
			assert.Equal(t, models.DeliveryDelivered, at.Status)
		}
	}
}
