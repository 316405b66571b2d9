package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// MemoryQueue is a single-process queue held in memory. All state is lost
// when the process exits.
type MemoryQueue struct {
	name string
	opts options

	mu     sync.RWMutex
	closed bool
	paused bool
	seq    int64
	keys   map[string]struct{}
	jobs   map[string]*Job
	byTask map[string]string
	order  []string
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue(name string, opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		name:   name,
		opts:   newOptions(opts),
		keys:   make(map[string]struct{}),
		jobs:   make(map[string]*Job),
		byTask: make(map[string]string),
	}
}

// Name implements [Queue].
func (q *MemoryQueue) Name() string { return q.name }

// Add implements [Queue].
func (q *MemoryQueue) Add(_ context.Context, t *task.AITask) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", sserr.QueueClosed(q.name)
	}
	if _, dup := q.keys[t.IdempotencyKey]; dup {
		return "", sserr.DuplicateTask(q.name, t.IdempotencyKey)
	}

	now := q.opts.now().UTC()
	q.seq++
	job := &Job{
		ID:         uuid.NewString(),
		Task:       t.Normalize(),
		Status:     initialStatus(t, now),
		EnqueuedAt: now,
		Seq:        q.seq,
	}
	q.keys[t.IdempotencyKey] = struct{}{}
	q.jobs[job.ID] = job
	q.byTask[t.ID] = job.ID
	q.order = append(q.order, job.ID)

	q.opts.logger.Debug("queue: job added",
		"queue", q.name,
		"job_id", job.ID,
		"task_id", t.ID,
		"priority", string(t.Priority),
		"status", string(job.Status),
	)
	return job.ID, nil
}

// AddBulk implements [Queue].
func (q *MemoryQueue) AddBulk(ctx context.Context, tasks []*task.AITask) ([]string, error) {
	return addEach(ctx, q, tasks, q.opts)
}

// GetJob implements [Queue].
func (q *MemoryQueue) GetJob(_ context.Context, jobID string) (*task.AITask, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, sserr.QueueClosed(q.name)
	}
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return job.Task.Clone(), nil
}

// Job returns a copy of the job with jobID, or nil when unknown.
func (q *MemoryQueue) Job(_ context.Context, jobID string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, sserr.QueueClosed(q.name)
	}
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, nil
	}
	c := job.Clone()
	c.Status = job.statusAt(q.opts.now())
	return &c, nil
}

// GetWaitingJobs implements [Queue].
func (q *MemoryQueue) GetWaitingJobs(_ context.Context) ([]Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, sserr.QueueClosed(q.name)
	}
	return q.waitingLocked(q.opts.now()), nil
}

func (q *MemoryQueue) waitingLocked(now time.Time) []Job {
	var out []Job
	for _, id := range q.order {
		job := q.jobs[id]
		if job.statusAt(now) != StatusWaiting {
			continue
		}
		c := job.Clone()
		c.Status = StatusWaiting
		out = append(out, c)
	}
	sortByPriority(out)
	return out
}

// Health implements [Queue].
func (q *MemoryQueue) Health(_ context.Context) (Health, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Health{}, sserr.QueueClosed(q.name)
	}
	now := q.opts.now().UTC()
	h := Health{QueueName: q.name, Paused: q.paused, Workers: q.opts.workers, LastCheckedAt: now}
	for _, job := range q.jobs {
		h.count(job.statusAt(now))
	}
	return h, nil
}

// Pause implements [Queue].
func (q *MemoryQueue) Pause(_ context.Context) error {
	return q.setPaused(true)
}

// Resume implements [Queue].
func (q *MemoryQueue) Resume(_ context.Context) error {
	return q.setPaused(false)
}

func (q *MemoryQueue) setPaused(paused bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return sserr.QueueClosed(q.name)
	}
	q.paused = paused
	return nil
}

// Clean implements [Queue].
func (q *MemoryQueue) Clean(_ context.Context, grace time.Duration, limit int, status Status) (int, error) {
	if !status.IsTerminal() {
		return 0, sserr.Validationf("queue: can only clean completed or failed jobs, got %q", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, sserr.QueueClosed(q.name)
	}

	now := q.opts.now()
	removed := make(map[string]bool)
	for _, id := range q.order {
		if limit > 0 && len(removed) >= limit {
			break
		}
		job := q.jobs[id]
		if job.Status != status || !expired(job, grace, now) {
			continue
		}
		removed[id] = true
		delete(q.jobs, id)
		delete(q.byTask, job.Task.ID)
	}
	if len(removed) > 0 {
		kept := q.order[:0]
		for _, id := range q.order {
			if !removed[id] {
				kept = append(kept, id)
			}
		}
		q.order = kept
	}
	return len(removed), nil
}

// Close implements [Queue]. Jobs and idempotency keys are released.
func (q *MemoryQueue) Close(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return sserr.QueueClosed(q.name)
	}
	q.closed = true
	q.keys, q.jobs, q.byTask, q.order = nil, nil, nil, nil
	return nil
}

// Claim implements [Queue].
func (q *MemoryQueue) Claim(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, sserr.QueueClosed(q.name)
	}
	if q.paused {
		return nil, nil
	}
	now := q.opts.now().UTC()
	waiting := q.waitingLocked(now)
	if len(waiting) == 0 {
		return nil, nil
	}
	job := q.jobs[waiting[0].ID]
	job.transition(StatusActive, now)
	c := job.Clone()
	return &c, nil
}

// Transition implements [Queue].
func (q *MemoryQueue) Transition(_ context.Context, jobID string, to Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return sserr.QueueClosed(q.name)
	}
	job, ok := q.jobs[jobID]
	if !ok {
		return sserr.JobNotFound(jobID)
	}
	now := q.opts.now().UTC()
	if !job.transition(to, now) {
		return sserr.InvalidTransition(jobID, string(job.statusAt(now)), string(to))
	}
	return nil
}

// Settle implements [Queue].
func (q *MemoryQueue) Settle(_ context.Context, taskID string, success bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return sserr.QueueClosed(q.name)
	}
	jobID, ok := q.byTask[taskID]
	if !ok {
		return sserr.JobNotFound(taskID)
	}
	return settle(q.jobs[jobID], success, q.opts.now().UTC())
}

// settle finishes job, passing through active when it is still pending.
func settle(job *Job, success bool, now time.Time) error {
	to := StatusFailed
	if success {
		to = StatusCompleted
	}
	if job.Status == StatusWaiting || job.Status == StatusDelayed {
		job.Status = StatusActive
		job.StartedAt = &now
	}
	if !job.transition(to, now) {
		return sserr.InvalidTransition(job.ID, string(job.Status), string(to))
	}
	return nil
}

// addEach adds tasks one at a time. A closed queue or a canceled context
// stops the batch; any other per-task error is logged and skipped.
func addEach(ctx context.Context, q Queue, tasks []*task.AITask, o options) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return ids, sserr.Wrap(err, sserr.CodeTimeout, "queue: bulk add canceled")
		}
		id, err := q.Add(ctx, t)
		if err != nil {
			if sserr.IsQueueClosed(err) {
				return ids, err
			}
			taskID := ""
			if t != nil {
				taskID = t.ID
			}
			o.logger.WarnContext(ctx, "queue: bulk add skipped task",
				"queue", q.Name(),
				"task_id", taskID,
				"error", err,
			)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
