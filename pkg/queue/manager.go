package queue

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/outcome"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// OutcomeHandler is notified after an outcome has been recorded. Errors
// and panics are logged and never reach the caller of RecordOutcome.
type OutcomeHandler func(ctx context.Context, queue string, o task.Outcome) error

// Manager couples a queue with the outcome recorder that receives results
// for its tasks. It is safe for concurrent use.
//
// The recorder is the source of truth for results. After a successful
// Record the manager settles the job in the queue on a best-effort basis,
// then calls the OutcomeHandler if one is set.
type Manager struct {
	queue     Queue
	recorder  outcome.Recorder
	onOutcome OutcomeHandler

	logger *slog.Logger
	tracer trace.Tracer

	enqueued   metric.Int64Counter
	duplicates metric.Int64Counter
	recorded   metric.Int64Counter
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger. The default is slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithOutcomeHandler registers fn to run after each recorded outcome.
func WithOutcomeHandler(fn OutcomeHandler) ManagerOption {
	return func(m *Manager) { m.onOutcome = fn }
}

// WithMeterProvider sets the provider for the manager's counters. The
// default is the global provider.
func WithMeterProvider(mp metric.MeterProvider) ManagerOption {
	return func(m *Manager) {
		if mp != nil {
			m.initCounters(mp.Meter(tracerName))
		}
	}
}

// WithTracerProvider sets the provider for the manager's spans. The
// default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) ManagerOption {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewManager returns a manager for q that records outcomes to rec.
func NewManager(q Queue, rec outcome.Recorder, opts ...ManagerOption) *Manager {
	m := &Manager{
		queue:    q,
		recorder: rec,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	m.initCounters(otel.Meter(tracerName))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) initCounters(meter metric.Meter) {
	m.enqueued = counter(meter, "governance.tasks.enqueued", "Tasks accepted by a queue.")
	m.duplicates = counter(meter, "governance.tasks.duplicate", "Tasks rejected as duplicates.")
	m.recorded = counter(meter, "governance.outcomes.recorded", "Task outcomes recorded.")
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		slog.Default().Warn("queue: failed to create counter", "counter", name, "error", err)
		c, _ = noop.NewMeterProvider().Meter(tracerName).Int64Counter(name)
	}
	return c
}

// Name returns the queue name.
func (m *Manager) Name() string { return m.queue.Name() }

// Queue returns the managed queue.
func (m *Manager) Queue() Queue { return m.queue }

// Recorder returns the outcome recorder.
func (m *Manager) Recorder() outcome.Recorder { return m.recorder }

func (m *Manager) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("queue.name", m.queue.Name()))
	return m.tracer.Start(ctx, "queue."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Enqueue adds t to the queue.
func (m *Manager) Enqueue(ctx context.Context, t *task.AITask) (string, error) {
	var attrs []attribute.KeyValue
	if t != nil {
		attrs = append(attrs, attribute.String("task.id", t.ID), attribute.String("task.priority", string(t.Priority)))
	}
	ctx, span := m.start(ctx, "Enqueue", attrs...)
	id, err := m.queue.Add(ctx, t)
	end(span, err)

	queueAttr := metric.WithAttributes(attribute.String("queue", m.queue.Name()))
	switch {
	case err == nil:
		m.enqueued.Add(ctx, 1, queueAttr)
	case sserr.IsDuplicateTask(err):
		m.duplicates.Add(ctx, 1, queueAttr)
	}
	return id, err
}

// EnqueueBulk adds tasks to the queue and returns the created job ids.
func (m *Manager) EnqueueBulk(ctx context.Context, tasks []*task.AITask) ([]string, error) {
	ctx, span := m.start(ctx, "EnqueueBulk", attribute.Int("task.count", len(tasks)))
	ids, err := m.queue.AddBulk(ctx, tasks)
	span.SetAttributes(attribute.Int("job.count", len(ids)))
	end(span, err)

	queueAttr := metric.WithAttributes(attribute.String("queue", m.queue.Name()))
	m.enqueued.Add(ctx, int64(len(ids)), queueAttr)
	return ids, err
}

// RecordOutcome records o and then settles the task's job. A recorder
// failure is returned; settle and handler failures are only logged.
func (m *Manager) RecordOutcome(ctx context.Context, o task.Outcome) error {
	ctx, span := m.start(ctx, "RecordOutcome",
		attribute.String("task.id", o.TaskID),
		attribute.Bool("outcome.success", o.Success),
	)
	if err := m.recorder.Record(ctx, o); err != nil {
		m.logger.ErrorContext(ctx, "queue: failed to record outcome",
			"queue", m.queue.Name(),
			"task_id", o.TaskID,
			"error", err,
		)
		end(span, err)
		return err
	}
	m.recorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", m.queue.Name()),
		attribute.Bool("success", o.Success),
	))

	if err := m.queue.Settle(ctx, o.TaskID, o.Success); err != nil {
		m.logger.WarnContext(ctx, "queue: failed to settle job",
			"queue", m.queue.Name(),
			"task_id", o.TaskID,
			"error", err,
		)
	}
	m.notify(ctx, o)
	end(span, nil)
	return nil
}

func (m *Manager) notify(ctx context.Context, o task.Outcome) {
	if m.onOutcome == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "queue: outcome handler panicked",
				"queue", m.queue.Name(),
				"task_id", o.TaskID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := m.onOutcome(ctx, m.queue.Name(), o); err != nil {
		m.logger.WarnContext(ctx, "queue: outcome handler failed",
			"queue", m.queue.Name(),
			"task_id", o.TaskID,
			"error", err,
		)
	}
}

// SuccessRate returns the percentage of successful outcomes among the most
// recent limit outcomes, or 0 when there are none.
func (m *Manager) SuccessRate(ctx context.Context, limit int) (float64, error) {
	ctx, span := m.start(ctx, "SuccessRate", attribute.Int("limit", limit))
	recent, err := m.recorder.Recent(ctx, limit)
	end(span, err)
	if err != nil {
		return 0, err
	}
	return outcome.SuccessRate(recent), nil
}

// Health returns the queue health.
func (m *Manager) Health(ctx context.Context) (Health, error) {
	ctx, span := m.start(ctx, "Health")
	h, err := m.queue.Health(ctx)
	end(span, err)
	return h, err
}

// Pause pauses the queue.
func (m *Manager) Pause(ctx context.Context) error {
	ctx, span := m.start(ctx, "Pause")
	err := m.queue.Pause(ctx)
	end(span, err)
	if err == nil {
		m.logger.InfoContext(ctx, "queue: paused", "queue", m.queue.Name())
	}
	return err
}

// Resume resumes the queue.
func (m *Manager) Resume(ctx context.Context) error {
	ctx, span := m.start(ctx, "Resume")
	err := m.queue.Resume(ctx)
	end(span, err)
	if err == nil {
		m.logger.InfoContext(ctx, "queue: resumed", "queue", m.queue.Name())
	}
	return err
}

// Close closes the queue.
func (m *Manager) Close(ctx context.Context) error {
	ctx, span := m.start(ctx, "Close")
	err := m.queue.Close(ctx)
	end(span, err)
	if err == nil {
		m.logger.InfoContext(ctx, "queue: closed", "queue", m.queue.Name())
	}
	return err
}
