package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/stricklysoft-governance/internal/testutil"
	"github.com/StricklySoft/stricklysoft-governance/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/queue"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

func intPtr(v int) *int                          { return &v }
func floatPtr(v float64) *float64                { return &v }
func durationPtr(v time.Duration) *time.Duration { return &v }

func depthRule(id string, threshold int) Config {
	return Config{
		ID:              id,
		Name:            fixtures.AlertConfigName,
		Enabled:         true,
		Conditions:      Conditions{QueueDepthThreshold: intPtr(threshold)},
		Channels:        []Channel{ChannelSlack, ChannelPagerDuty},
		CooldownMinutes: 5,
	}
}

func runRule(id string) Config {
	return Config{
		ID:      id,
		Name:    "Run health",
		Enabled: true,
		Conditions: Conditions{
			FailureRateThreshold: floatPtr(0.2),
			AvgLatencyThreshold:  durationPtr(30 * time.Second),
			CostThresholdUSD:     floatPtr(50),
			PolicyViolationCount: intPtr(1),
		},
		Channels: []Channel{ChannelWebhook},
	}
}

func newManager(t *testing.T, opts ...Option) (*Manager, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(fixtures.Epoch)
	return NewManager(append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func health(waiting, active, delayed int) queue.Health {
	return queue.Health{QueueName: fixtures.QueueName, Waiting: waiting, Active: active, Delayed: delayed}
}

// recordingHandler collects every alert it receives.
type recordingHandler struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingHandler) handle(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingHandler) received() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// stubCooldown lets tests force store results.
type stubCooldown struct {
	activeErr  error
	acquire    bool
	acquireErr error
}

func (s stubCooldown) Active(context.Context, string, time.Time) (bool, error) {
	return false, s.activeErr
}

func (s stubCooldown) Acquire(context.Context, string, time.Duration, time.Time) (bool, error) {
	return s.acquire, s.acquireErr
}

func (s stubCooldown) Reset(context.Context, string) error { return nil }

// failingHistory rejects every append.
type failingHistory struct{ err error }

func (f failingHistory) Append(context.Context, Alert) error { return f.err }

func (f failingHistory) List(context.Context, int) ([]Alert, error) { return nil, f.err }

// gatedHistory holds every Append until release is closed.
type gatedHistory struct {
	*MemoryHistory
	entered chan struct{}
	release chan struct{}
}

func newGatedHistory() *gatedHistory {
	return &gatedHistory{
		MemoryHistory: NewMemoryHistory(),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (g *gatedHistory) Append(ctx context.Context, a Alert) error {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryHistory.Append(ctx, a)
}

// ===========================================================================
// Rules
// ===========================================================================

func TestManager_RegisterConfigReplacesInPlace(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	require.NoError(t, m.RegisterConfig(depthRule("a", 10)))
	require.NoError(t, m.RegisterConfig(depthRule("b", 20)))
	require.NoError(t, m.RegisterConfig(depthRule("a", 30)))

	cfgs := m.Configs()
	require.Len(t, cfgs, 2)
	assert.Equal(t, "a", cfgs[0].ID)
	assert.Equal(t, 30, *cfgs[0].Conditions.QueueDepthThreshold)
	assert.Equal(t, "b", cfgs[1].ID)

	got, ok := m.Config("b")
	require.True(t, ok)
	*got.Conditions.QueueDepthThreshold = 999
	again, _ := m.Config("b")
	assert.Equal(t, 20, *again.Conditions.QueueDepthThreshold, "Config must return a copy")

	assert.True(t, m.RemoveConfig("a"))
	assert.False(t, m.RemoveConfig("a"))
	_, ok = m.Config("a")
	assert.False(t, ok)
	assert.Len(t, m.Configs(), 1)
}

func TestManager_RegisterConfigRejectsInvalid(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	tests := map[string]Config{
		"missing id":    {Name: "x", Conditions: Conditions{QueueDepthThreshold: intPtr(1)}},
		"no conditions": {ID: "x", Name: "x"},
		"bad channel":   {ID: "x", Name: "x", Conditions: Conditions{QueueDepthThreshold: intPtr(1)}, Channels: []Channel{"carrier-pigeon"}},
		"rate above 1":  {ID: "x", Name: "x", Conditions: Conditions{FailureRateThreshold: floatPtr(1.5)}},
		"zero depth":    {ID: "x", Name: "x", Conditions: Conditions{QueueDepthThreshold: intPtr(0)}},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			testutil.AssertErrorCode(t, m.RegisterConfig(cfg), sserr.CodeValidation)
		})
	}
	assert.Empty(t, m.Configs())
}

// ===========================================================================
// CheckQueueHealth
// ===========================================================================

func TestManager_CheckQueueHealthEscalation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		health   queue.Health
		severity Severity
	}{
		{name: "below threshold", health: health(50, 40, 9)},
		{name: "at threshold", health: health(60, 30, 10), severity: SeverityWarning},
		{name: "just below double", health: health(150, 40, 9), severity: SeverityWarning},
		{name: "at double", health: health(150, 40, 10), severity: SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _ := newManager(t)
			require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 100)))

			alerts, err := m.CheckQueueHealth(context.Background(), tt.health)
			require.NoError(t, err)
			if tt.severity == "" {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			a := alerts[0]
			assert.Equal(t, tt.severity, a.Severity)
			assert.Equal(t, fixtures.AlertConfigID, a.ConfigID)
			assert.Equal(t, fixtures.Epoch, a.TriggeredAt)
			assert.Equal(t, []Channel{ChannelSlack, ChannelPagerDuty}, a.Channels)
			assert.Equal(t, tt.health.Depth(), a.Data["depth"])
			assert.NotEmpty(t, a.ID)
		})
	}
}

func TestManager_CheckQueueHealthPaused(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 100)))

	h := health(1, 0, 0)
	h.Paused = true
	alerts, err := m.CheckQueueHealth(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "Queue paused", alerts[0].Title)
}

func TestManager_CooldownSuppressesRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newManager(t)
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 100)))
	h := health(300, 0, 0)

	first, err := m.CheckQueueHealth(ctx, h)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(4 * time.Minute)
	second, err := m.CheckQueueHealth(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, second, "rule is inside its 5 minute cooldown")

	clock.Advance(time.Minute)
	third, err := m.CheckQueueHealth(ctx, h)
	require.NoError(t, err)
	assert.Len(t, third, 1)

	require.NoError(t, m.ResetCooldown(ctx, fixtures.AlertConfigID))
	fourth, err := m.CheckQueueHealth(ctx, h)
	require.NoError(t, err)
	assert.Len(t, fourth, 1)
	assert.Len(t, m.ActiveAlerts(), 3)
}

func TestManager_DefaultCooldownApplies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newManager(t, WithDefaultCooldown(time.Minute))
	rule := depthRule(fixtures.AlertConfigID, 100)
	rule.CooldownMinutes = 0
	require.NoError(t, m.RegisterConfig(rule))

	_, err := m.CheckQueueHealth(ctx, health(100, 0, 0))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	alerts, err := m.CheckQueueHealth(ctx, health(100, 0, 0))
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestManager_DisabledRuleIgnored(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	rule := depthRule(fixtures.AlertConfigID, 1)
	rule.Enabled = false
	require.NoError(t, m.RegisterConfig(rule))

	h := health(10, 0, 0)
	h.Paused = true
	alerts, err := m.CheckQueueHealth(context.Background(), h)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestManager_CooldownStoreErrors(t *testing.T) {
	t.Parallel()
	storeErr := sserr.New(sserr.CodeInternalDatabase, "redis: exists failed")

	t.Run("active fails", func(t *testing.T) {
		m, _ := newManager(t, WithCooldownStore(stubCooldown{activeErr: storeErr}))
		require.NoError(t, m.RegisterConfig(depthRule("a", 1)))
		require.NoError(t, m.RegisterConfig(depthRule("b", 1)))

		alerts, err := m.CheckQueueHealth(context.Background(), health(5, 0, 0))
		testutil.AssertErrorCode(t, err, sserr.CodeInternalDatabase)
		assert.ErrorContains(t, err, `rule "a"`)
		assert.ErrorContains(t, err, `rule "b"`)
		assert.Empty(t, alerts)
	})

	t.Run("acquire lost", func(t *testing.T) {
		m, _ := newManager(t, WithCooldownStore(stubCooldown{acquire: false}))
		require.NoError(t, m.RegisterConfig(depthRule("a", 1)))

		alerts, err := m.CheckQueueHealth(context.Background(), health(5, 0, 0))
		require.NoError(t, err)
		assert.Empty(t, alerts)
		assert.Empty(t, m.ActiveAlerts())
	})
}

// ===========================================================================
// CheckRunSummary
// ===========================================================================

func TestManager_CheckRunSummary(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	require.NoError(t, m.RegisterConfig(runRule("run-health")))

	alerts, err := m.CheckRunSummary(context.Background(), RunSummary{
		AgentType:        string(task.AgentTypeLeasing),
		TotalRuns:        10,
		FailedRuns:       5,
		AvgLatency:       45 * time.Second,
		TotalCostUSD:     40,
		PolicyViolations: 1,
	})
	require.NoError(t, err)
	require.Len(t, alerts, 3)

	assert.Equal(t, "Failure rate threshold exceeded", alerts[0].Title)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "Average latency threshold exceeded", alerts[1].Title)
	assert.Equal(t, SeverityWarning, alerts[1].Severity)
	assert.Equal(t, "Policy violations detected", alerts[2].Title)
	assert.Equal(t, SeverityCritical, alerts[2].Severity)
	for _, a := range alerts {
		assert.Equal(t, []Channel{ChannelWebhook}, a.Channels)
	}
}

func TestManager_CheckRunSummaryNoRuns(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	require.NoError(t, m.RegisterConfig(Config{
		ID:         "failures",
		Name:       "Failures",
		Enabled:    true,
		Conditions: Conditions{FailureRateThreshold: floatPtr(0.1)},
	}))

	alerts, err := m.CheckRunSummary(context.Background(), RunSummary{AgentType: "leasing"})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

// ===========================================================================
// CheckTaskOutcome
// ===========================================================================

func TestManager_CheckTaskOutcome(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 100)))
	require.NoError(t, m.RegisterConfig(runRule("run-a")))
	require.NoError(t, m.RegisterConfig(runRule("run-b")))

	ok := task.Succeeded("task-1", "run-1", fixtures.Epoch)
	a, err := m.CheckTaskOutcome(ctx, ok)
	require.NoError(t, err)
	assert.Nil(t, a)

	failed := task.Failed("task-2", "run-2", sserr.Timeout("agent timed out"), fixtures.Epoch)
	a, err = m.CheckTaskOutcome(ctx, failed)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "run-a", a.ConfigID, "first rule watching failures wins")
	assert.Equal(t, SeverityWarning, a.Severity)
	assert.Equal(t, string(sserr.CodeTimeout), a.Data["errorCode"])

	a, err = m.CheckTaskOutcome(ctx, failed)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "run-b", a.ConfigID, "run-a is cooling down")

	a, err = m.CheckTaskOutcome(ctx, failed)
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Len(t, m.ActiveAlerts(), 2)
}

// ===========================================================================
// Lifecycle
// ===========================================================================

func TestManager_AcknowledgeAndResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newManager(t)
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 10)))

	_, err := m.Acknowledge(ctx, "missing", fixtures.Operator)
	testutil.AssertErrorCode(t, err, sserr.CodeNotFoundAlert)

	alerts, err := m.CheckQueueHealth(ctx, health(10, 0, 0))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	clock.Advance(time.Minute)
	acked, err := m.Acknowledge(ctx, id, fixtures.Operator)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged())
	assert.Equal(t, fixtures.Operator, acked.AcknowledgedBy)
	assert.Equal(t, fixtures.Epoch.Add(time.Minute), *acked.AcknowledgedAt)
	assert.True(t, m.ActiveAlerts()[0].Acknowledged())

	clock.Advance(time.Minute)
	resolved, err := m.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, fixtures.Epoch.Add(2*time.Minute), *resolved.ResolvedAt)
	assert.Empty(t, m.ActiveAlerts())

	hist, err := m.AlertHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, id, hist[0].ID)
	assert.Equal(t, fixtures.Operator, hist[0].AcknowledgedBy)

	_, err = m.Resolve(ctx, id)
	testutil.AssertErrorCode(t, err, sserr.CodeNotFoundAlert)
	_, err = m.Acknowledge(ctx, id, fixtures.Operator)
	assert.True(t, sserr.IsAlertNotFound(err))
}

func TestManager_ResolveKeepsAlertWhenHistoryFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storeErr := sserr.New(sserr.CodeInternalDatabase, "postgres: exec failed")
	m, _ := newManager(t, WithHistoryStore(failingHistory{err: storeErr}))
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 1)))

	alerts, err := m.CheckQueueHealth(ctx, health(1, 0, 0))
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	_, err = m.Resolve(ctx, alerts[0].ID)
	testutil.AssertErrorCode(t, err, sserr.CodeInternalDatabase)
	require.Len(t, m.ActiveAlerts(), 1)
	assert.False(t, m.ActiveAlerts()[0].Resolved())
}

func TestManager_AcknowledgeWaitsForResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hist := newGatedHistory()
	m, _ := newManager(t, WithHistoryStore(hist))
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 1)))
	alerts, err := m.CheckQueueHealth(ctx, health(1, 0, 0))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	resolved := make(chan error, 1)
	go func() {
		_, err := m.Resolve(ctx, id)
		resolved <- err
	}()
	<-hist.entered

	acked := make(chan error, 1)
	go func() {
		_, err := m.Acknowledge(ctx, id, "oncall")
		acked <- err
	}()
	select {
	case err := <-acked:
		t.Fatalf("acknowledge returned during resolve: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(hist.release)
	require.NoError(t, <-resolved)
	testutil.AssertErrorCode(t, <-acked, sserr.CodeNotFoundAlert)

	history, err := m.AlertHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].AcknowledgedAt)
	assert.Empty(t, m.ActiveAlerts())
}

func TestManager_AcknowledgeBeforeResolveReachesHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hist := newGatedHistory()
	close(hist.release)
	m, _ := newManager(t, WithHistoryStore(hist))
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 1)))
	alerts, err := m.CheckQueueHealth(ctx, health(1, 0, 0))
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	_, err = m.Acknowledge(ctx, alerts[0].ID, "oncall")
	require.NoError(t, err)
	_, err = m.Resolve(ctx, alerts[0].ID)
	require.NoError(t, err)

	history, err := m.AlertHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].AcknowledgedAt)
	assert.Equal(t, "oncall", history[0].AcknowledgedBy)
}

func TestManager_AlertHistoryLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newManager(t)
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 1)))

	var ids []string
	for range 3 {
		alerts, err := m.CheckQueueHealth(ctx, health(1, 0, 0))
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		ids = append(ids, alerts[0].ID)
		clock.Advance(10 * time.Minute)
	}
	for _, id := range ids {
		_, err := m.Resolve(ctx, id)
		require.NoError(t, err)
	}

	last, err := m.AlertHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, ids[1], last[0].ID)
	assert.Equal(t, ids[2], last[1].ID)
}

func TestManager_ActiveAlertsAreCopies(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 1)))
	_, err := m.CheckQueueHealth(context.Background(), health(1, 0, 0))
	require.NoError(t, err)

	active := m.ActiveAlerts()
	active[0].Data["depth"] = -1
	active[0].Channels[0] = ChannelEmail
	fresh := m.ActiveAlerts()[0]
	assert.Equal(t, 1, fresh.Data["depth"])
	assert.Equal(t, ChannelSlack, fresh.Channels[0])
}

// ===========================================================================
// Dispatch
// ===========================================================================

func TestManager_DispatchToChannelHandlers(t *testing.T) {
	t.Parallel()
	slack := &recordingHandler{}
	webhook := &recordingHandler{}
	m, _ := newManager(t,
		WithHandler(ChannelSlack, slack.handle),
		WithHandler(ChannelWebhook, webhook.handle),
		WithHandler(ChannelPagerDuty, func(context.Context, Alert) error {
			return errors.New("pagerduty: 503")
		}),
	)
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 1)))

	alerts, err := m.CheckQueueHealth(context.Background(), health(3, 0, 0))
	require.NoError(t, err, "handler errors never reach the caller")
	require.Len(t, alerts, 1)

	got := slack.received()
	require.Len(t, got, 1)
	assert.Equal(t, alerts[0].ID, got[0].ID)
	assert.Empty(t, webhook.received(), "rule does not route to webhook")
}

func TestManager_DispatchSurvivesPanics(t *testing.T) {
	t.Parallel()
	after := &recordingHandler{}
	m, _ := newManager(t,
		WithHandler(ChannelSlack, func(context.Context, Alert) error { panic("boom") }),
		WithHandler(ChannelPagerDuty, after.handle),
	)
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 1)))

	var alerts []Alert
	require.NotPanics(t, func() {
		var err error
		alerts, err = m.CheckQueueHealth(context.Background(), health(3, 0, 0))
		require.NoError(t, err)
	})
	require.Len(t, alerts, 1)
	assert.Len(t, after.received(), 1, "later channels still receive the alert")
}

// ===========================================================================
// Tracing
// ===========================================================================

func TestManager_Spans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	m, _ := newManager(t, WithTracerProvider(tp))
	require.NoError(t, m.RegisterConfig(depthRule(fixtures.AlertConfigID, 1)))
	_, err := m.CheckQueueHealth(ctx, health(1, 0, 0))
	require.NoError(t, err)
	_, err = m.Resolve(ctx, "missing")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "alert.CheckQueueHealth", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "alert.Resolve", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
