package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// RedisQueue keeps queue state in Redis so that idempotency keys and jobs
// survive process restarts and are shared between processes.
//
// Keys, under the client's prefix:
//
//	queue:<name>:keys        set of accepted idempotency keys
//	queue:<name>:jobs        hash job id -> job JSON
//	queue:<name>:tasks       hash task id -> job id
//	queue:<name>:order       list of job ids in insertion order
//	queue:<name>:paused      present while paused
//	queue:<name>:claim:<id>  claim marker for a job
//
// Add and Claim are atomic across processes through SADD and SET NX.
// Transition and Settle read, check, and write without a server-side
// transaction; concurrent updates to the same job may overwrite each other.
type RedisQueue struct {
	name   string
	client *redis.Client
	opts   options
	closed atomic.Bool
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue returns a queue backed by client.
func NewRedisQueue(name string, client *redis.Client, opts ...Option) *RedisQueue {
	return &RedisQueue{name: name, client: client, opts: newOptions(opts)}
}

func (q *RedisQueue) key(part string) string {
	return q.client.Key("queue", q.name, part)
}

func (q *RedisQueue) claimKey(jobID string) string {
	return q.client.Key("queue", q.name, "claim", jobID)
}

func (q *RedisQueue) checkOpen() error {
	if q.closed.Load() {
		return sserr.QueueClosed(q.name)
	}
	return nil
}

// Name implements [Queue].
func (q *RedisQueue) Name() string { return q.name }

// Add implements [Queue]. The idempotency key is reserved with SADD before
// the job is written; if the write fails the job is removed and the key is
// released again.
func (q *RedisQueue) Add(ctx context.Context, t *task.AITask) (string, error) {
	if err := q.checkOpen(); err != nil {
		return "", err
	}
	if err := t.Validate(); err != nil {
		return "", err
	}

	added, err := q.client.SAdd(ctx, q.key("keys"), t.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if added == 0 {
		return "", sserr.DuplicateTask(q.name, t.IdempotencyKey)
	}

	now := q.opts.now().UTC()
	job := &Job{
		ID:         uuid.NewString(),
		Task:       t.Normalize(),
		Status:     initialStatus(t, now),
		EnqueuedAt: now,
	}
	if err := q.insert(ctx, job); err != nil {
		q.rollback(ctx, job)
		return "", err
	}

	q.opts.logger.DebugContext(ctx, "queue: job added",
		"queue", q.name,
		"job_id", job.ID,
		"task_id", t.ID,
		"priority", string(t.Priority),
		"status", string(job.Status),
	)
	return job.ID, nil
}

func (q *RedisQueue) insert(ctx context.Context, job *Job) error {
	if err := q.save(ctx, job); err != nil {
		return err
	}
	if _, err := q.client.HSet(ctx, q.key("tasks"), job.Task.ID, job.ID); err != nil {
		return err
	}
	_, err := q.client.RPush(ctx, q.key("order"), job.ID)
	return err
}

// rollback removes what a failed insert may have written and releases the
// idempotency key.
func (q *RedisQueue) rollback(ctx context.Context, job *Job) {
	_, jerr := q.client.HDel(ctx, q.key("jobs"), job.ID)
	_, terr := q.client.HDel(ctx, q.key("tasks"), job.Task.ID)
	_, kerr := q.client.SRem(ctx, q.key("keys"), job.Task.IdempotencyKey)
	if err := errors.Join(jerr, terr, kerr); err != nil {
		q.opts.logger.ErrorContext(ctx, "queue: failed to roll back job insert",
			"queue", q.name,
			"job_id", job.ID,
			"idempotency_key", job.Task.IdempotencyKey,
			"error", err,
		)
	}
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "queue: failed to encode job")
	}
	_, err = q.client.HSet(ctx, q.key("jobs"), job.ID, string(data))
	return err
}

func (q *RedisQueue) load(ctx context.Context, jobID string) (*Job, error) {
	data, found, err := q.client.HGet(ctx, q.key("jobs"), jobID)
	if err != nil || !found {
		return nil, err
	}
	return decodeJob(data)
}

func decodeJob(data string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "queue: failed to decode job")
	}
	return &job, nil
}

// loadAll returns every job in insertion order with Seq set to its
// position.
func (q *RedisQueue) loadAll(ctx context.Context) ([]*Job, error) {
	order, err := q.client.LRange(ctx, q.key("order"), 0, -1)
	if err != nil {
		return nil, err
	}
	raw, err := q.client.HGetAll(ctx, q.key("jobs"))
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(order))
	for i, id := range order {
		data, ok := raw[id]
		if !ok {
			continue
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		job.Seq = int64(i)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// AddBulk implements [Queue].
func (q *RedisQueue) AddBulk(ctx context.Context, tasks []*task.AITask) ([]string, error) {
	return addEach(ctx, q, tasks, q.opts)
}

// GetJob implements [Queue].
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*task.AITask, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	job, err := q.load(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}
	return job.Task, nil
}

// GetWaitingJobs implements [Queue].
func (q *RedisQueue) GetWaitingJobs(ctx context.Context) ([]Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	jobs, err := q.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return waitingOf(jobs, q.opts.now()), nil
}

func waitingOf(jobs []*Job, now time.Time) []Job {
	var out []Job
	for _, job := range jobs {
		if job.statusAt(now) != StatusWaiting {
			continue
		}
		c := *job
		c.Status = StatusWaiting
		out = append(out, c)
	}
	sortByPriority(out)
	return out
}

// Health implements [Queue].
func (q *RedisQueue) Health(ctx context.Context) (Health, error) {
	if err := q.checkOpen(); err != nil {
		return Health{}, err
	}
	raw, err := q.client.HGetAll(ctx, q.key("jobs"))
	if err != nil {
		return Health{}, err
	}
	paused, err := q.client.Exists(ctx, q.key("paused"))
	if err != nil {
		return Health{}, err
	}
	now := q.opts.now().UTC()
	h := Health{QueueName: q.name, Paused: paused > 0, Workers: q.opts.workers, LastCheckedAt: now}
	for _, data := range raw {
		job, err := decodeJob(data)
		if err != nil {
			return Health{}, err
		}
		h.count(job.statusAt(now))
	}
	return h, nil
}

// Pause implements [Queue].
func (q *RedisQueue) Pause(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.client.Set(ctx, q.key("paused"), "1", 0)
}

// Resume implements [Queue].
func (q *RedisQueue) Resume(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	_, err := q.client.Del(ctx, q.key("paused"))
	return err
}

// Clean implements [Queue].
func (q *RedisQueue) Clean(ctx context.Context, grace time.Duration, limit int, status Status) (int, error) {
	if !status.IsTerminal() {
		return 0, sserr.Validationf("queue: can only clean completed or failed jobs, got %q", status)
	}
	if err := q.checkOpen(); err != nil {
		return 0, err
	}
	jobs, err := q.loadAll(ctx)
	if err != nil {
		return 0, err
	}

	now := q.opts.now()
	removed := 0
	for _, job := range jobs {
		if limit > 0 && removed >= limit {
			break
		}
		if job.Status != status || !expired(job, grace, now) {
			continue
		}
		if _, err := q.client.HDel(ctx, q.key("jobs"), job.ID); err != nil {
			return removed, err
		}
		if _, err := q.client.HDel(ctx, q.key("tasks"), job.Task.ID); err != nil {
			return removed, err
		}
		if _, err := q.client.LRem(ctx, q.key("order"), 0, job.ID); err != nil {
			return removed, err
		}
		if _, err := q.client.Del(ctx, q.claimKey(job.ID)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close implements [Queue]. Only this handle is closed; the state in Redis
// is kept for other processes and for the next start.
func (q *RedisQueue) Close(_ context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		return sserr.QueueClosed(q.name)
	}
	return nil
}

// Claim implements [Queue]. A job is handed to at most one claimer across
// processes.
func (q *RedisQueue) Claim(ctx context.Context) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	paused, err := q.client.Exists(ctx, q.key("paused"))
	if err != nil {
		return nil, err
	}
	if paused > 0 {
		return nil, nil
	}
	jobs, err := q.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	now := q.opts.now().UTC()
	for _, candidate := range waitingOf(jobs, now) {
		won, err := q.client.SetNX(ctx, q.claimKey(candidate.ID), "1", 0)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		job, err := q.load(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if job == nil || !job.transition(StatusActive, now) {
			continue
		}
		if err := q.save(ctx, job); err != nil {
			return nil, err
		}
		job.Seq = candidate.Seq
		return job, nil
	}
	return nil, nil
}

// Transition implements [Queue].
func (q *RedisQueue) Transition(ctx context.Context, jobID string, to Status) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return sserr.JobNotFound(jobID)
	}
	now := q.opts.now().UTC()
	if !job.transition(to, now) {
		return sserr.InvalidTransition(jobID, string(job.statusAt(now)), string(to))
	}
	return q.save(ctx, job)
}

// Settle implements [Queue].
func (q *RedisQueue) Settle(ctx context.Context, taskID string, success bool) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	jobID, found, err := q.client.HGet(ctx, q.key("tasks"), taskID)
	if err != nil {
		return err
	}
	if !found {
		return sserr.JobNotFound(taskID)
	}
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return sserr.JobNotFound(jobID)
	}
	if err := settle(job, success, q.opts.now().UTC()); err != nil {
		return err
	}
	return q.save(ctx, job)
}
