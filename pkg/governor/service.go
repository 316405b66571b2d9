package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-governance/pkg/alert"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/queue"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

const tracerName = "github.com/StricklySoft/stricklysoft-governance/pkg/governor"

// DefaultMonitorInterval is used when no interval option is given.
const DefaultMonitorInterval = 30 * time.Second

// StateChangeHandler observes service state changes. Handlers run
// synchronously under the state lock and must not call back into the
// service. Panics are recovered and logged.
type StateChangeHandler func(old, new State)

// Info is a snapshot of a service.
type Info struct {
	State        State         `json:"state"`
	Queues       []string      `json:"queues"`
	ActiveAlerts int           `json:"active_alerts"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	LastCycleAt  *time.Time    `json:"last_cycle_at,omitempty"`
}

// Service ties a queue registry to an alert manager. It is safe for
// concurrent use.
type Service struct {
	registry *queue.Registry
	alerts   *alert.Manager
	interval time.Duration

	mu          sync.RWMutex
	state       State
	startedAt   *time.Time
	lastCycleAt *time.Time
	cancel      context.CancelFunc
	done        chan struct{}

	now           func() time.Time
	logger        *slog.Logger
	tracer        trace.Tracer
	cycles        metric.Int64Counter
	stateHandlers []StateChangeHandler
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for Info.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMonitorInterval sets how often the monitor loop runs.
func WithMonitorInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// WithTracerProvider sets the provider for the service's spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMeterProvider sets the provider for the governance.monitor.cycles
// counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) {
		if mp != nil {
			s.cycles = cycleCounter(mp.Meter(tracerName))
		}
	}
}

// OnStateChange registers h. Handlers run in registration order.
func OnStateChange(h StateChangeHandler) Option {
	return func(s *Service) {
		if h != nil {
			s.stateHandlers = append(s.stateHandlers, h)
		}
	}
}

func cycleCounter(meter metric.Meter) metric.Int64Counter {
	c, err := meter.Int64Counter("governance.monitor.cycles", metric.WithDescription("Monitor cycles run."))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(tracerName).Int64Counter("governance.monitor.cycles")
	}
	return c
}

// NewService returns a service in StateUnknown. It fails with
// [sserr.CodeValidation] if registry or alerts is nil or the monitor
// interval is not positive.
func NewService(registry *queue.Registry, alerts *alert.Manager, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, sserr.Validation("governor: registry must not be nil")
	}
	if alerts == nil {
		return nil, sserr.Validation("governor: alert manager must not be nil")
	}
	s := &Service{
		registry: registry,
		alerts:   alerts,
		interval: DefaultMonitorInterval,
		state:    StateUnknown,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		cycles:   cycleCounter(otel.Meter(tracerName)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, sserr.Validationf("governor: monitor interval must be positive, got %s", s.interval)
	}
	return s, nil
}

// Registry returns the queue registry.
func (s *Service) Registry() *queue.Registry { return s.registry }

// Alerts returns the alert manager.
func (s *Service) Alerts() *alert.Manager { return s.alerts }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the service.
func (s *Service) Info() Info {
	s.mu.RLock()
	info := Info{State: s.state}
	if s.startedAt != nil && (s.state == StateRunning || s.state == StatePaused) {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = s.now().Sub(t)
	}
	if s.lastCycleAt != nil {
		t := *s.lastCycleAt
		info.LastCycleAt = &t
	}
	s.mu.RUnlock()

	info.Queues = s.registry.Names()
	info.ActiveAlerts = len(s.alerts.ActiveAlerts())
	return info
}

// Health returns nil while the service is running or paused, and an
// [sserr.CodeUnavailable] error otherwise.
func (s *Service) Health(_ context.Context) error {
	switch state := s.State(); state {
	case StateRunning, StatePaused:
		return nil
	default:
		return sserr.Newf(sserr.CodeUnavailable, "governor: service is not running, current state is %q", state)
	}
}

// setState moves the service to to, failing with [sserr.CodeConflict] on
// a transition the state machine does not allow.
func (s *Service) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !ValidTransition(from, to) {
		return sserr.Newf(sserr.CodeConflict, "governor: invalid state transition from %q to %q", from, to)
	}
	s.state = to
	for _, h := range s.stateHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("governor: state change handler panicked",
						"panic", fmt.Sprint(r),
						"old_state", string(from),
						"new_state", string(to),
					)
				}
			}()
			h(from, to)
		}()
	}
	return nil
}

// fail moves the service to StateFailed after err and returns err wrapped
// with [sserr.CodeInternal].
func (s *Service) fail(ctx context.Context, span trace.Span, err error, message string) error {
	s.logger.ErrorContext(ctx, message, "error", err)
	_ = s.setState(StateFailed)
	wrapped := sserr.Wrap(err, sserr.CodeInternal, message)
	span.RecordError(wrapped)
	span.SetStatus(codes.Error, wrapped.Error())
	return wrapped
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "governor."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ===========================================================================
// Lifecycle
// ===========================================================================

// Start launches the monitor loop. The loop keeps ctx's values but not its
// cancellation; it runs until Stop. Start fails with [sserr.CodeConflict]
// unless the service has never been started.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.start(ctx, "Start")
	if err := ctx.Err(); err != nil {
		err = sserr.Wrap(err, sserr.CodeTimeout, "governor: start canceled before execution")
		finish(span, err)
		return err
	}
	if err := s.setState(StateStarting); err != nil {
		finish(span, err)
		return err
	}
	s.logger.InfoContext(ctx, "governor: starting",
		"queues", s.registry.Names(),
		"monitor_interval", s.interval.String(),
	)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	now := s.now().UTC()
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.startedAt = &now
	s.mu.Unlock()

	if err := s.setState(StateRunning); err != nil {
		cancel()
		finish(span, err)
		return err
	}
	go s.monitor(loopCtx, done)

	s.logger.InfoContext(ctx, "governor: started")
	finish(span, nil)
	return nil
}

func (s *Service) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateRunning {
				continue
			}
			if _, err := s.CheckNow(ctx); err != nil {
				s.logger.WarnContext(ctx, "governor: monitor cycle failed", "error", err)
			}
		}
	}
}

// Pause pauses every queue and suspends monitoring. If any queue fails to
// pause the service moves to StateFailed.
func (s *Service) Pause(ctx context.Context) error {
	ctx, span := s.start(ctx, "Pause")
	defer span.End()
	if err := s.setState(StatePaused); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := s.registry.PauseAll(ctx); err != nil {
		return s.fail(ctx, span, err, "governor: failed to pause queues")
	}
	s.logger.InfoContext(ctx, "governor: paused")
	span.SetStatus(codes.Ok, "")
	return nil
}

// Resume resumes every queue and monitoring. If any queue fails to resume
// the service moves to StateFailed.
func (s *Service) Resume(ctx context.Context) error {
	ctx, span := s.start(ctx, "Resume")
	defer span.End()
	if err := s.setState(StateRunning); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := s.registry.ResumeAll(ctx); err != nil {
		return s.fail(ctx, span, err, "governor: failed to resume queues")
	}
	s.logger.InfoContext(ctx, "governor: resumed")
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop ends the monitor loop and closes every queue. Stopping a service
// that was never started or is already stopped is a no-op. If ctx ends
// before the loop exits Stop returns [sserr.CodeTimeout] and the service
// stays in StateStopping.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.start(ctx, "Stop")
	defer span.End()

	switch s.State() {
	case StateUnknown, StateStopped:
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err := s.setState(StateStopping); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.logger.InfoContext(ctx, "governor: stopping")

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			err := sserr.Wrap(ctx.Err(), sserr.CodeTimeout, "governor: monitor loop did not exit")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	if err := s.registry.CloseAll(ctx); err != nil {
		return s.fail(ctx, span, err, "governor: failed to close queues")
	}
	if err := s.setState(StateStopped); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.mu.Lock()
	s.startedAt = nil
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "governor: stopped")
	span.SetStatus(codes.Ok, "")
	return nil
}

// ===========================================================================
// Monitoring
// ===========================================================================

// CheckNow runs one monitor cycle: it collects the health of every queue
// and evaluates it against the alert rules, queue by queue in name order.
// Queues whose health check failed are skipped and reported in the error
// alongside any alert store errors.
func (s *Service) CheckNow(ctx context.Context) ([]alert.Alert, error) {
	ctx, span := s.start(ctx, "CheckNow")

	healths, err := s.registry.AllHealth(ctx)
	errs := []error{err}
	names := make([]string, 0, len(healths))
	for name := range healths {
		names = append(names, name)
	}
	slices.Sort(names)

	var raised []alert.Alert
	for _, name := range names {
		alerts, err := s.alerts.CheckQueueHealth(ctx, healths[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %q: %w", name, err))
		}
		raised = append(raised, alerts...)
	}

	now := s.now().UTC()
	s.mu.Lock()
	s.lastCycleAt = &now
	s.mu.Unlock()

	err = errors.Join(errs...)
	s.cycles.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
	span.SetAttributes(
		attribute.Int("queue.count", len(names)),
		attribute.Int("alert.count", len(raised)),
	)
	finish(span, err)
	if len(raised) > 0 {
		s.logger.InfoContext(ctx, "governor: monitor cycle raised alerts", "alerts", len(raised))
	}
	return raised, err
}

// ForwardOutcome feeds a task outcome from queueName to the alert rules.
// Its signature matches queue.OutcomeHandler so it can be passed to
// queue.WithOutcomeHandler.
func (s *Service) ForwardOutcome(ctx context.Context, queueName string, o task.Outcome) error {
	a, err := s.alerts.CheckTaskOutcome(ctx, o)
	if a != nil {
		s.logger.InfoContext(ctx, "governor: task outcome raised alert",
			"queue", queueName,
			"task_id", o.TaskID,
			"alert_id", a.ID,
		)
	}
	return err
}

// ReportRunSummary feeds an agent run summary to the alert rules.
func (s *Service) ReportRunSummary(ctx context.Context, summary alert.RunSummary) ([]alert.Alert, error) {
	return s.alerts.CheckRunSummary(ctx, summary)
}
