package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-governance/internal/testutil"
	"github.com/StricklySoft/stricklysoft-governance/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-governance/internal/testutil/redistest"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

func newRedisQueue(t *testing.T) (*RedisQueue, *redistest.Fake, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(fixtures.Epoch)
	client, fake := redistest.NewClient()
	fake.Now = clock.Now
	return NewRedisQueue(fixtures.QueueName, client, WithClock(clock.Now)), fake, clock
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, fake, _ := newRedisQueue(t)
	tk := newTask(
		task.WithPriority(task.PriorityHigh),
		task.WithPayload(map[string]any{"unit": "42"}),
		task.WithMarket(fixtures.Market),
	)

	id, err := q.Add(ctx, tk)
	require.NoError(t, err)

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tk, got)

	assert.Equal(t, []string{
		"test:queue:leasing:jobs",
		"test:queue:leasing:keys",
		"test:queue:leasing:order",
		"test:queue:leasing:tasks",
	}, fake.Keys())
}

func TestQueues_PayloadTypesMatchAcrossBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rq, _, _ := newRedisQueue(t)
	mq, _ := newMemoryQueue(t)

	built := newTask(
		task.WithPayload(map[string]any{
			"rent":   1450,
			"nested": map[string]any{"floor": 4, "units": []string{"4A"}},
		}),
		task.WithMetadata(map[string]any{"attempt": 2}),
	)
	literal := built.Clone()
	literal.ID = "literal"
	literal.IdempotencyKey = "literal-key"
	literal.Payload = map[string]any{"rent": 1450, "nested": map[string]any{"floor": 4}}

	for name, q := range map[string]Queue{"redis": rq, "memory": mq} {
		id, err := q.Add(ctx, built)
		require.NoError(t, err, name)
		got, err := q.GetJob(ctx, id)
		require.NoError(t, err, name)
		assert.Equal(t, built, got, name)
		assert.IsType(t, float64(0), got.Payload["rent"], name)
		assert.IsType(t, float64(0), got.Payload["nested"].(map[string]any)["floor"], name)

		id, err = q.Add(ctx, literal)
		require.NoError(t, err, name)
		got, err = q.GetJob(ctx, id)
		require.NoError(t, err, name)
		assert.Equal(t, map[string]any{
			"rent":   float64(1450),
			"nested": map[string]any{"floor": float64(4)},
		}, got.Payload, name)
	}
}

func TestRedisQueue_GetJobUnknown(t *testing.T) {
	t.Parallel()
	q, _, _ := newRedisQueue(t)
	got, err := q.GetJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisQueue_DuplicateAcrossHandles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, fake, _ := newRedisQueue(t)

	_, err := q.Add(ctx, newTask(task.WithIdempotencyKey(fixtures.IdempotencyKey)))
	require.NoError(t, err)
	require.NoError(t, q.Close(ctx))

	// A new handle over the same Redis state still sees the key.
	restarted := NewRedisQueue(fixtures.QueueName, q.client)
	_, err = restarted.Add(ctx, newTask(task.WithIdempotencyKey(fixtures.IdempotencyKey)))
	testutil.RequireErrorCode(t, err, sserr.CodeConflictDuplicateTask)
	assert.Equal(t, 2, fake.Calls("SAdd"))

	h, err := restarted.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Waiting)
}

func TestRedisQueue_AddReleasesKeyOnWriteFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, fake, _ := newRedisQueue(t)

	fake.FailOn("RPush", errors.New("connection reset"))
	_, err := q.Add(ctx, newTask(task.WithIdempotencyKey(fixtures.IdempotencyKey)))
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
	assert.Equal(t, 1, fake.Calls("SRem"))
	h, err := q.Health(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.Waiting, "partial write is rolled back")

	fake.FailOn("RPush", nil)
	_, err = q.Add(ctx, newTask(task.WithIdempotencyKey(fixtures.IdempotencyKey)))
	require.NoError(t, err)
}

func TestRedisQueue_PriorityOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newRedisQueue(t)

	for _, p := range []task.Priority{task.PriorityLow, task.PriorityHigh, task.PriorityNormal, task.PriorityCritical, task.PriorityHigh} {
		_, err := q.Add(ctx, newTask(task.WithPriority(p)))
		require.NoError(t, err)
	}

	jobs, err := q.GetWaitingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 5)
	var got []task.Priority
	for _, j := range jobs {
		got = append(got, j.Task.Priority)
	}
	assert.Equal(t, []task.Priority{
		task.PriorityCritical, task.PriorityHigh, task.PriorityHigh, task.PriorityNormal, task.PriorityLow,
	}, got)
	assert.Less(t, jobs[1].Seq, jobs[2].Seq, "FIFO within a priority")
}

func TestRedisQueue_ClaimIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newRedisQueue(t)
	_, err := q.Add(ctx, newTask())
	require.NoError(t, err)

	other := NewRedisQueue(fixtures.QueueName, q.client)
	first, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StatusActive, first.Status)

	second, err := other.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestRedisQueue_SettleAndClean(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, fake, clock := newRedisQueue(t)
	done := newTask()
	failed := newTask()
	_, err := q.AddBulk(ctx, []*task.AITask{done, failed})
	require.NoError(t, err)

	require.NoError(t, q.Settle(ctx, done.ID, true))
	require.NoError(t, q.Settle(ctx, failed.ID, false))
	testutil.RequireErrorCode(t, q.Settle(ctx, done.ID, false), sserr.CodeConflictInvalidTransition)
	testutil.RequireErrorCode(t, q.Settle(ctx, "missing", false), sserr.CodeNotFoundJob)

	h, err := q.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Completed)
	assert.Equal(t, 1, h.Failed)

	n, err := q.Clean(ctx, time.Hour, 0, StatusCompleted)
	require.NoError(t, err)
	assert.Zero(t, n, "within grace")

	clock.Advance(time.Hour)
	n, err = q.Clean(ctx, time.Hour, 0, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, fake.Calls("LRem"))

	h, err = q.Health(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.Completed)
	assert.Equal(t, 1, h.Failed)

	_, err = q.Add(ctx, newTask(task.WithIdempotencyKey(done.IdempotencyKey)))
	testutil.RequireErrorCode(t, err, sserr.CodeConflictDuplicateTask)
}

func TestRedisQueue_PauseResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newRedisQueue(t)
	_, err := q.Add(ctx, newTask())
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	h, err := q.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Paused)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, q.Resume(ctx))
	h, err = q.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Paused)
}

func TestRedisQueue_TransitionMatrix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newRedisQueue(t)
	id, err := q.Add(ctx, newTask())
	require.NoError(t, err)

	testutil.RequireErrorCode(t, q.Transition(ctx, id, StatusCompleted), sserr.CodeConflictInvalidTransition)
	require.NoError(t, q.Transition(ctx, id, StatusActive))
	require.NoError(t, q.Transition(ctx, id, StatusFailed))
	testutil.RequireErrorCode(t, q.Transition(ctx, id, StatusActive), sserr.CodeConflictInvalidTransition)
	testutil.RequireErrorCode(t, q.Transition(ctx, "missing", StatusActive), sserr.CodeNotFoundJob)
}

func TestRedisQueue_CloseKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, fake, _ := newRedisQueue(t)
	_, err := q.Add(ctx, newTask())
	require.NoError(t, err)
	before := fake.Keys()

	require.NoError(t, q.Close(ctx))
	_, err = q.Health(ctx)
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableQueueClosed)
	_, err = q.Add(ctx, newTask())
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableQueueClosed)
	testutil.RequireErrorCode(t, q.Close(ctx), sserr.CodeUnavailableQueueClosed)
	assert.Equal(t, before, fake.Keys())
}

func TestRedisQueue_StoreFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, fake, _ := newRedisQueue(t)
	fake.FailOn("HGetAll", context.DeadlineExceeded)

	_, err := q.Health(ctx)
	testutil.RequireErrorCode(t, err, sserr.CodeTimeoutDatabase)
}
