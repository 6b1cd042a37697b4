package cycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/retentiond/internal/decision"
	"github.com/stellarlinkco/retentiond/internal/executor"
	"github.com/stellarlinkco/retentiond/internal/metrics"
	"github.com/stellarlinkco/retentiond/internal/scoring"
	"github.com/stellarlinkco/retentiond/internal/store"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sent struct {
	channel tenant.Channel
	phone   string
	text    string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeMessenger) Send(_ context.Context, ch tenant.Channel, c tenant.Client, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{channel: ch, phone: c.Phone, text: text})
	return nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, pc decision.PromptContext) (string, error) {
	return "message for " + pc.Client.DisplayName() + " (" + string(pc.Kind) + ")", nil
}

type env struct {
	store *store.Store
	clk   *clock
	msgr  *fakeMessenger
	m     *metrics.Metrics
	orch  *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := &clock{t: time.Date(2024, time.June, 15, 10, 0, 0, 0, time.UTC)}
	st, err := store.Open(filepath.Join(t.TempDir(), "retention.db"), store.WithClock(clk.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := &env{store: st, clk: clk, msgr: &fakeMessenger{}, m: metrics.New(prometheus.NewRegistry())}
	exec := executor.New(executor.Options{
		Generator:    stubGenerator{},
		Ledger:       st,
		Messenger:    e.msgr,
		Conversation: st,
		Metrics:      e.m,
		Now:          clk.now,
	})
	e.orch = New(Options{
		Directory: st,
		Activity:  st,
		Scores:    st,
		Decider:   decision.NewEngine(st),
		Executor:  exec,
		Metrics:   e.m,
		Now:       clk.now,
	})
	return e
}

func (e *env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.UpsertTenant(ctx, tenant.Tenant{
		ID: "gym-1", Name: "Iron Gym", Active: true, Connected: true,
		Channel: tenant.Channel{Kind: tenant.ChannelWhatsApp, ID: "39000@s.whatsapp.net"},
	}))
	// Never checked in: maximal inactivity and silence.
	require.NoError(t, e.store.UpsertClient(ctx, tenant.Client{TenantID: "gym-1", Phone: "39111", Name: "Giulia Rossi"}))
	// Trains every three days, last time yesterday.
	require.NoError(t, e.store.UpsertClient(ctx, tenant.Client{TenantID: "gym-1", Phone: "39222", Name: "Marco"}))
	for d := 1; d <= 58; d += 3 {
		require.NoError(t, e.store.RecordCheckin(ctx, "gym-1", "39222", e.clk.now().Add(-time.Duration(d)*24*time.Hour), "gym"))
	}
}

func TestRun_EndToEnd(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()

	res := e.orch.RunNow(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, TriggerManual, res.Trigger)
	assert.Equal(t, 1, res.Tenants)
	assert.Equal(t, 2, res.Clients)
	assert.Equal(t, 2, res.ActionsExecuted)

	snap, err := e.store.GetSnapshot(ctx, "gym-1", "39111")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.ChurnRisk, 0.7)
	assert.Equal(t, scoring.NoCheckinDays, snap.DaysSinceLastCheckin)

	comeback, err := e.store.GetAction(ctx, "gym-1", "comeback:39111:2024-06-15")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, comeback.Status)
	assert.Equal(t, "message for Giulia (comeback_message)", comeback.MessageContent)

	progress, err := e.store.GetAction(ctx, "gym-1", "progress:39222:2024-06-15")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, progress.Status)

	convo, err := e.store.Conversation(ctx, "gym-1", "39111")
	require.NoError(t, err)
	require.Len(t, convo, 1)
	assert.Equal(t, store.RoleAssistant, convo[0].Role)

	require.Len(t, e.msgr.sent, 2)
	assert.Equal(t, "39000@s.whatsapp.net", e.msgr.sent[0].channel.ID)

	// Same day: every applicable rule is suppressed.
	res = e.orch.RunNow(ctx)
	assert.Equal(t, 0, res.ActionsExecuted)
	assert.Len(t, e.msgr.sent, 2)

	// Next day: comeback gets a new key, progress stays inside its cooldown and
	// the steady client falls through to the streak rule.
	e.clk.advance(24 * time.Hour)
	res = e.orch.RunNow(ctx)
	assert.Equal(t, 2, res.ActionsExecuted)

	_, err = e.store.GetAction(ctx, "gym-1", "comeback:39111:2024-06-16")
	assert.NoError(t, err)
	_, err = e.store.GetAction(ctx, "gym-1", "progress:39222:2024-06-16")
	assert.ErrorIs(t, err, store.ErrNotFound)
	streak, err := e.store.GetAction(ctx, "gym-1", "streak:39222:2024-06-16")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, streak.Status)

	assert.Equal(t, 3.0, testutil.ToFloat64(e.m.CyclesTotal.WithLabelValues(TriggerManual, OutcomeCompleted)))
	assert.Equal(t, 6.0, testutil.ToFloat64(e.m.SnapshotsTotal))
}

func TestRun_FailedDispatchIsRecordedAndRetriedLater(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()

	e.msgr.err = errors.New("not connected")
	res := e.orch.RunNow(ctx)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 0, res.ActionsExecuted)

	rec, err := e.store.GetAction(ctx, "gym-1", "comeback:39111:2024-06-15")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "not connected", rec.Error)

	convo, err := e.store.Conversation(ctx, "gym-1", "39111")
	require.NoError(t, err)
	assert.Empty(t, convo)

	e.msgr.err = nil
	res = e.orch.RunNow(ctx)
	assert.Equal(t, 2, res.ActionsExecuted)

	rec, err = e.store.GetAction(ctx, "gym-1", "comeback:39111:2024-06-15")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRun_TenantTimezoneSetsActionDate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	// 23:30 UTC on the 15th is already the 16th in Auckland.
	e.clk.advance(13*time.Hour + 30*time.Minute)

	require.NoError(t, e.store.UpsertTenant(ctx, tenant.Tenant{
		ID: "gym-nz", Active: true, Connected: true, Timezone: "Pacific/Auckland",
		Channel: tenant.Channel{Kind: tenant.ChannelWhatsApp, ID: "64000@s.whatsapp.net"},
	}))
	require.NoError(t, e.store.UpsertClient(ctx, tenant.Client{TenantID: "gym-nz", Phone: "64111"}))

	res := e.orch.RunNow(ctx)
	require.Equal(t, 1, res.ActionsExecuted)
	_, err := e.store.GetAction(ctx, "gym-nz", "comeback:64111:2024-06-16")
	assert.NoError(t, err)
}

// fakeDirectory drives the orchestrator without a store.
type fakeDirectory struct {
	tenants   []tenant.Tenant
	clients   map[string][]tenant.Client
	clientErr map[string]error
	listErr   error
	block     chan struct{}
	entered   chan struct{}
	panicMsg  string
}

func (f *fakeDirectory) ListConnected(ctx context.Context) ([]tenant.Tenant, error) {
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	if f.block != nil {
		<-f.block
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.tenants, f.listErr
}

func (f *fakeDirectory) Clients(_ context.Context, tenantID string) ([]tenant.Client, error) {
	if err := f.clientErr[tenantID]; err != nil {
		return nil, err
	}
	return f.clients[tenantID], nil
}

type emptyActivity struct{}

func (emptyActivity) Checkins(context.Context, string, string, int) ([]scoring.Checkin, error) {
	return nil, nil
}

func (emptyActivity) Messages(context.Context, string, string, int) ([]scoring.Message, error) {
	return nil, nil
}

type memScores struct {
	mu    sync.Mutex
	snaps []scoring.Snapshot
}

func (m *memScores) PreviousMotivation(context.Context, string, string) (scoring.Motivation, error) {
	return scoring.MotivationMedium, nil
}

func (m *memScores) UpsertSnapshot(_ context.Context, s scoring.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, s)
	return nil
}

type noSuppression struct{}

func (noSuppression) ExistsSent(context.Context, string, string) (bool, error) { return false, nil }
func (noSuppression) ExistsSentWithin(context.Context, string, string, string, int) (bool, error) {
	return false, nil
}

type countingExecutor struct {
	mu      sync.Mutex
	tenants []string
	err     error
	// afterSend simulates a cancellation arriving during the post-send delay.
	afterSend func()
}

func (c *countingExecutor) Execute(ctx context.Context, t tenant.Tenant, _ tenant.Client, _ decision.Action) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants = append(c.tenants, t.ID)
	if c.afterSend != nil {
		c.afterSend()
		return true, ctx.Err()
	}
	return c.err == nil, c.err
}

func newFakeOrchestrator(dir *fakeDirectory, exec *countingExecutor, m *metrics.Metrics) *Orchestrator {
	return New(Options{
		Directory: dir,
		Activity:  emptyActivity{},
		Scores:    &memScores{},
		Decider:   decision.NewEngine(noSuppression{}),
		Executor:  exec,
		Metrics:   m,
	})
}

func TestRun_TenantIsolation(t *testing.T) {
	dir := &fakeDirectory{
		tenants: []tenant.Tenant{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		clients: map[string][]tenant.Client{
			"a": {{TenantID: "a", Phone: "1"}},
			"c": {{TenantID: "c", Phone: "3"}, {TenantID: "c", Phone: "4"}},
		},
		clientErr: map[string]error{"b": errors.New("db locked")},
	}
	exec := &countingExecutor{}
	m := metrics.New(prometheus.NewRegistry())
	o := newFakeOrchestrator(dir, exec, m)

	res := o.RunNow(context.Background())
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.Tenants)
	assert.Equal(t, 1, res.TenantFailures)
	assert.Equal(t, 3, res.ActionsExecuted)
	assert.Equal(t, []string{"a", "c", "c"}, exec.tenants)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TenantFailuresTotal))
}

func TestRun_ClientErrorAbortsOnlyThatTenant(t *testing.T) {
	dir := &fakeDirectory{
		tenants: []tenant.Tenant{{ID: "a"}, {ID: "b"}},
		clients: map[string][]tenant.Client{
			"a": {{TenantID: "a", Phone: "1"}, {TenantID: "a", Phone: "2"}},
			"b": {{TenantID: "b", Phone: "3"}},
		},
	}
	exec := &countingExecutor{err: errors.New("ledger unavailable")}
	o := newFakeOrchestrator(dir, exec, nil)

	res := o.RunNow(context.Background())
	assert.Equal(t, 2, res.TenantFailures)
	assert.Equal(t, 0, res.ActionsExecuted)
	assert.Equal(t, []string{"a", "b"}, exec.tenants, "first client error stops the tenant")
}

func TestRun_ListFailure(t *testing.T) {
	dir := &fakeDirectory{listErr: errors.New("disk I/O error")}
	o := newFakeOrchestrator(dir, &countingExecutor{}, nil)

	res := o.RunNow(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
	assert.False(t, o.Status().Running)
}

func TestRun_Exclusive(t *testing.T) {
	dir := &fakeDirectory{
		tenants: []tenant.Tenant{{ID: "a"}},
		clients: map[string][]tenant.Client{"a": {{TenantID: "a", Phone: "1"}}},
		block:   make(chan struct{}),
		entered: make(chan struct{}),
	}
	entered := dir.entered
	exec := &countingExecutor{}
	m := metrics.New(prometheus.NewRegistry())
	o := newFakeOrchestrator(dir, exec, m)

	done := make(chan Result)
	go func() { done <- o.Run(context.Background(), TriggerSchedule) }()
	<-entered

	assert.True(t, o.Status().Running)
	second := o.RunNow(context.Background())
	assert.True(t, second.Skipped())
	assert.Equal(t, 0, second.ActionsExecuted)

	close(dir.block)
	first := <-done
	assert.Equal(t, OutcomeCompleted, first.Outcome)
	assert.Equal(t, 1, first.ActionsExecuted)
	assert.Equal(t, []string{"a"}, exec.tenants)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues(TriggerManual, OutcomeSkipped)))

	st := o.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.Last)
	assert.Equal(t, TriggerSchedule, st.Last.Trigger)
}

func TestRun_PanicReleasesFlag(t *testing.T) {
	dir := &fakeDirectory{panicMsg: "boom"}
	o := newFakeOrchestrator(dir, &countingExecutor{}, nil)

	res := o.RunNow(context.Background())
	assert.Equal(t, OutcomePanicked, res.Outcome)
	assert.ErrorContains(t, res.Err, "boom")
	assert.False(t, o.Status().Running)

	dir.panicMsg = ""
	res = o.RunNow(context.Background())
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestRun_Cancelled(t *testing.T) {
	dir := &fakeDirectory{tenants: []tenant.Tenant{{ID: "a"}}}
	o := newFakeOrchestrator(dir, &countingExecutor{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := o.RunNow(ctx)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, res.Tenants)
}

func TestRun_CancelledDuringDelayCountsDelivery(t *testing.T) {
	dir := &fakeDirectory{
		tenants: []tenant.Tenant{{ID: "a"}, {ID: "b"}},
		clients: map[string][]tenant.Client{
			"a": {{TenantID: "a", Phone: "1"}, {TenantID: "a", Phone: "2"}},
			"b": {{TenantID: "b", Phone: "3"}},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &countingExecutor{afterSend: cancel}
	o := newFakeOrchestrator(dir, exec, nil)

	res := o.RunNow(ctx)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.ActionsExecuted)
	assert.Equal(t, 0, res.TenantFailures)
	assert.Equal(t, []string{"a"}, exec.tenants)

	st := o.Status()
	require.NotNil(t, st.Last)
	assert.Equal(t, 1, st.Last.ActionsExecuted)
}

func TestStatus_BeforeAnyRun(t *testing.T) {
	o := newFakeOrchestrator(&fakeDirectory{}, &countingExecutor{}, nil)
	st := o.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.Last)
}
