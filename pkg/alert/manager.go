package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/queue"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// Manager holds alert rules, evaluates them, and tracks the alerts they
// raise. It is safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	configs     map[string]Config
	configOrder []string
	active      map[string]Alert
	activeOrder []string

	// resolveMu serializes Resolve and Acknowledge so an alert reaches
	// history once, with every acknowledgement it received.
	resolveMu sync.Mutex

	cooldowns       CooldownStore
	history         HistoryStore
	handlers        map[Channel]Handler
	defaultCooldown time.Duration
	now             func() time.Time

	logger *slog.Logger
	tracer trace.Tracer
	raised metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for cooldowns and timestamps.
// A [RedisCooldown] ignores it and expires entries on the Redis server
// clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDefaultCooldown sets the cooldown for rules that do not set their
// own. Without it such rules use DefaultCooldown.
func WithDefaultCooldown(d time.Duration) Option {
	return func(m *Manager) { m.defaultCooldown = d }
}

// WithHandler registers h for channel ch, replacing any earlier handler.
func WithHandler(ch Channel, h Handler) Option {
	return func(m *Manager) {
		if h != nil {
			m.handlers[ch] = h
		}
	}
}

// WithCooldownStore replaces the in-memory cooldown store.
func WithCooldownStore(s CooldownStore) Option {
	return func(m *Manager) {
		if s != nil {
			m.cooldowns = s
		}
	}
}

// WithHistoryStore replaces the in-memory history store.
func WithHistoryStore(s HistoryStore) Option {
	return func(m *Manager) {
		if s != nil {
			m.history = s
		}
	}
}

// WithTracerProvider sets the provider for the manager's spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMeterProvider sets the provider for the governance.alerts.raised
// counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) {
		if mp != nil {
			m.raised = raisedCounter(mp.Meter(tracerName))
		}
	}
}

func raisedCounter(meter metric.Meter) metric.Int64Counter {
	c, err := meter.Int64Counter("governance.alerts.raised", metric.WithDescription("Alerts raised."))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(tracerName).Int64Counter("governance.alerts.raised")
	}
	return c
}

// NewManager returns a manager with no rules, in-memory cooldown and
// history stores, and no handlers.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		configs:   make(map[string]Config),
		active:    make(map[string]Alert),
		cooldowns: NewMemoryCooldown(),
		history:   NewMemoryHistory(),
		handlers:  make(map[Channel]Handler),
		now:       time.Now,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		raised:    raisedCounter(otel.Meter(tracerName)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ===========================================================================
// Rules
// ===========================================================================

// RegisterConfig validates cfg and stores it. Registering an existing id
// replaces the rule in place, keeping its evaluation position.
func (m *Manager) RegisterConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.configs[cfg.ID]; !exists {
		m.configOrder = append(m.configOrder, cfg.ID)
	}
	m.configs[cfg.ID] = cfg
	return nil
}

// RemoveConfig deletes the rule with id and reports whether it existed.
// Active alerts raised by the rule stay active.
func (m *Manager) RemoveConfig(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[id]; !ok {
		return false
	}
	delete(m.configs, id)
	m.configOrder = slices.DeleteFunc(m.configOrder, func(s string) bool { return s == id })
	return true
}

// Config returns a copy of the rule with id.
func (m *Manager) Config(id string) (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[id]
	if !ok {
		return Config{}, false
	}
	return cfg.Clone(), true
}

// Configs returns copies of every rule in registration order.
func (m *Manager) Configs() []Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Config, 0, len(m.configOrder))
	for _, id := range m.configOrder {
		out = append(out, m.configs[id].Clone())
	}
	return out
}

func (m *Manager) enabledConfigs() []Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Config
	for _, id := range m.configOrder {
		if cfg := m.configs[id]; cfg.Enabled {
			out = append(out, cfg.Clone())
		}
	}
	return out
}

// ===========================================================================
// Evaluation
// ===========================================================================

// CheckQueueHealth evaluates every enabled rule against h and returns the
// alerts raised, in rule order. Store errors for one rule do not stop the
// evaluation of the others; they are joined into the returned error.
func (m *Manager) CheckQueueHealth(ctx context.Context, h queue.Health) ([]Alert, error) {
	ctx, span := m.start(ctx, "CheckQueueHealth", attribute.String("queue.name", h.QueueName))
	alerts, err := m.evaluate(ctx, func(cfg Config) []Alert {
		return queueHealthAlerts(cfg, h)
	})
	finish(span, err, len(alerts))
	return alerts, err
}

// CheckRunSummary evaluates every enabled rule against s.
func (m *Manager) CheckRunSummary(ctx context.Context, s RunSummary) ([]Alert, error) {
	ctx, span := m.start(ctx, "CheckRunSummary", attribute.String("agent.type", s.AgentType))
	alerts, err := m.evaluate(ctx, func(cfg Config) []Alert {
		return runSummaryAlerts(cfg, s)
	})
	finish(span, err, len(alerts))
	return alerts, err
}

// CheckTaskOutcome raises a single warning for a failed outcome using the
// first enabled rule that watches the failure rate and is not cooling
// down. Successful outcomes never alert.
func (m *Manager) CheckTaskOutcome(ctx context.Context, o task.Outcome) (*Alert, error) {
	ctx, span := m.start(ctx, "CheckTaskOutcome", attribute.String("task.id", o.TaskID))
	if o.Success {
		finish(span, nil, 0)
		return nil, nil
	}

	now := m.now().UTC()
	var errs []error
	for _, cfg := range m.enabledConfigs() {
		if cfg.Conditions.FailureRateThreshold == nil {
			continue
		}
		cooling, err := m.cooldowns.Active(ctx, cfg.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", cfg.ID, err))
			continue
		}
		if cooling {
			continue
		}
		raised, err := m.raise(ctx, cfg, []Alert{taskOutcomeAlert(cfg, o)}, now)
		err = errors.Join(append(errs, err)...)
		finish(span, err, len(raised))
		if len(raised) == 0 {
			return nil, err
		}
		return &raised[0], err
	}
	err := errors.Join(errs...)
	finish(span, err, 0)
	return nil, err
}

// evaluate runs build for every enabled rule outside its cooldown and
// raises what it returns.
func (m *Manager) evaluate(ctx context.Context, build func(Config) []Alert) ([]Alert, error) {
	now := m.now().UTC()
	var (
		out  []Alert
		errs []error
	)
	for _, cfg := range m.enabledConfigs() {
		cooling, err := m.cooldowns.Active(ctx, cfg.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", cfg.ID, err))
			continue
		}
		if cooling {
			m.logger.DebugContext(ctx, "alert: rule cooling down", "config_id", cfg.ID)
			continue
		}
		candidates := build(cfg)
		if len(candidates) == 0 {
			continue
		}
		raised, err := m.raise(ctx, cfg, candidates, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", cfg.ID, err))
		}
		out = append(out, raised...)
	}
	return out, errors.Join(errs...)
}

// raise claims the rule's cooldown and, if this call won it, stamps,
// stores, and dispatches candidates.
func (m *Manager) raise(ctx context.Context, cfg Config, candidates []Alert, now time.Time) ([]Alert, error) {
	acquired, err := m.cooldowns.Acquire(ctx, cfg.ID, cfg.Cooldown(m.defaultCooldown), now)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, nil
	}

	for i := range candidates {
		candidates[i].ID = uuid.NewString()
		candidates[i].ConfigID = cfg.ID
		candidates[i].TriggeredAt = now
		candidates[i].Channels = slices.Clone(cfg.Channels)
	}

	m.mu.Lock()
	for _, a := range candidates {
		m.active[a.ID] = a.Clone()
		m.activeOrder = append(m.activeOrder, a.ID)
	}
	m.mu.Unlock()

	for _, a := range candidates {
		m.logger.WarnContext(ctx, "alert: raised",
			"alert_id", a.ID,
			"config_id", a.ConfigID,
			"severity", string(a.Severity),
			"title", a.Title,
		)
		m.raised.Add(ctx, 1, metric.WithAttributes(
			attribute.String("config_id", a.ConfigID),
			attribute.String("severity", string(a.Severity)),
		))
		m.dispatch(ctx, a)
	}
	return candidates, nil
}

// dispatch sends a to the handler of each of its channels in turn.
func (m *Manager) dispatch(ctx context.Context, a Alert) {
	for _, ch := range a.Channels {
		h, ok := m.handlers[ch]
		if !ok {
			m.logger.DebugContext(ctx, "alert: no handler for channel",
				"alert_id", a.ID,
				"channel", string(ch),
			)
			continue
		}
		m.deliver(ctx, ch, h, a)
	}
}

func (m *Manager) deliver(ctx context.Context, ch Channel, h Handler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "alert: handler panicked",
				"alert_id", a.ID,
				"channel", string(ch),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := h(ctx, a.Clone()); err != nil {
		m.logger.ErrorContext(ctx, "alert: handler failed",
			"alert_id", a.ID,
			"channel", string(ch),
			"error", err,
		)
	}
}

// ===========================================================================
// Lifecycle
// ===========================================================================

// Acknowledge marks the active alert id as acknowledged by by and returns
// the updated alert. Unknown and resolved ids fail with
// [sserr.CodeNotFoundAlert].
func (m *Manager) Acknowledge(ctx context.Context, id, by string) (Alert, error) {
	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return Alert{}, sserr.AlertNotFound(id)
	}
	now := m.now().UTC()
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	m.active[id] = a
	m.logger.InfoContext(ctx, "alert: acknowledged", "alert_id", id, "by", by)
	return a.Clone(), nil
}

// Resolve marks the active alert id as resolved, appends it to history,
// and removes it from the active set. If the history append fails the
// alert stays active. Unknown and already resolved ids fail with
// [sserr.CodeNotFoundAlert].
func (m *Manager) Resolve(ctx context.Context, id string) (Alert, error) {
	ctx, span := m.start(ctx, "Resolve", attribute.String("alert.id", id))

	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	m.mu.RLock()
	a, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		err := sserr.AlertNotFound(id)
		finish(span, err, 0)
		return Alert{}, err
	}

	now := m.now().UTC()
	a.ResolvedAt = &now
	if err := m.history.Append(ctx, a); err != nil {
		finish(span, err, 0)
		return Alert{}, err
	}

	m.mu.Lock()
	delete(m.active, id)
	m.activeOrder = slices.DeleteFunc(m.activeOrder, func(s string) bool { return s == id })
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "alert: resolved", "alert_id", id, "config_id", a.ConfigID)
	finish(span, nil, 1)
	return a.Clone(), nil
}

// ActiveAlerts returns copies of the unresolved alerts, oldest first.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.activeOrder))
	for _, id := range m.activeOrder {
		out = append(out, m.active[id].Clone())
	}
	return out
}

// AlertHistory returns the last limit resolved alerts, oldest first. A
// limit <= 0 returns the whole history.
func (m *Manager) AlertHistory(ctx context.Context, limit int) ([]Alert, error) {
	return m.history.List(ctx, limit)
}

// ResetCooldown clears the cooldown of the rule with id.
func (m *Manager) ResetCooldown(ctx context.Context, id string) error {
	return m.cooldowns.Reset(ctx, id)
}

func (m *Manager) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "alert."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func finish(span trace.Span, err error, alerts int) {
	span.SetAttributes(attribute.Int("alert.count", alerts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
