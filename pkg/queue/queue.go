package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// Queue holds tasks for a single agent pool. Implementations must be safe
// for concurrent use. After Close every method except Name returns a
// [sserr.CodeUnavailableQueueClosed] error.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Add validates t and stores a copy of it as a new job, returning the
	// job id. A known idempotency key fails with
	// [sserr.CodeConflictDuplicateTask].
	Add(ctx context.Context, t *task.AITask) (string, error)

	// AddBulk adds each task in order and returns the ids of the jobs that
	// were created. Rejected tasks are skipped; partial success is not an
	// error.
	AddBulk(ctx context.Context, tasks []*task.AITask) ([]string, error)

	// GetJob returns a copy of the task held by jobID, or nil and no error
	// when the job is unknown.
	GetJob(ctx context.Context, jobID string) (*task.AITask, error)

	// GetWaitingJobs returns the jobs ready to run, critical first and
	// FIFO within a priority.
	GetWaitingJobs(ctx context.Context) ([]Job, error)

	// Health returns job counts computed at call time.
	Health(ctx context.Context) (Health, error)

	// Pause sets the advisory paused flag. Claim returns nothing while the
	// queue is paused; Add still accepts work.
	Pause(ctx context.Context) error

	// Resume clears the paused flag.
	Resume(ctx context.Context) error

	// Clean removes up to limit jobs in the terminal status that finished
	// at least grace ago and returns how many were removed. A limit <= 0
	// removes every match. Idempotency keys of cleaned jobs stay reserved.
	Clean(ctx context.Context, grace time.Duration, limit int, status Status) (int, error)

	// Close releases the queue.
	Close(ctx context.Context) error

	// Claim moves the highest-priority waiting job to active and returns
	// it, or returns nil when nothing is waiting or the queue is paused.
	Claim(ctx context.Context) (*Job, error)

	// Transition moves jobID to status to. Moves not allowed by
	// [ValidTransition] fail with [sserr.CodeConflictInvalidTransition].
	Transition(ctx context.Context, jobID string, to Status) error

	// Settle finishes the job holding taskID as completed or failed,
	// activating it first when it has not been claimed yet.
	Settle(ctx context.Context, taskID string, success bool) error
}

// Health is a point-in-time view of a queue.
type Health struct {
	QueueName     string    `json:"queueName"`
	Waiting       int       `json:"waiting"`
	Active        int       `json:"active"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	Delayed       int       `json:"delayed"`
	Paused        bool      `json:"paused"`
	Workers       int       `json:"workers"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
}

// Depth returns the number of jobs not yet finished.
func (h Health) Depth() int {
	return h.Waiting + h.Active + h.Delayed
}

func (h *Health) count(s Status) {
	switch s {
	case StatusWaiting:
		h.Waiting++
	case StatusActive:
		h.Active++
	case StatusCompleted:
		h.Completed++
	case StatusFailed:
		h.Failed++
	case StatusDelayed:
		h.Delayed++
	}
}

// Option configures a queue implementation.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	now     func() time.Time
	workers int
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for scheduling and cleaning.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithWorkers records the size of the worker pool draining the queue. It
// is reported in [Health.Workers].
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}
