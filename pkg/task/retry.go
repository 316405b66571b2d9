package task

import "time"

// The queue does not run tasks. Workers use these helpers to honor the
// retry and timeout policy declared on the task.

// CanRetry reports whether another attempt fits in the retry budget.
func (t *AITask) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// NextBackoff returns the delay before the next attempt: Backoff doubled for
// every retry already made, capped at MaxBackoff.
func (t *AITask) NextBackoff() time.Duration {
	d := t.Backoff
	if d <= 0 {
		return 0
	}
	for range t.RetryCount {
		d *= 2
		if d >= MaxBackoff || d <= 0 {
			return MaxBackoff
		}
	}
	return min(d, MaxBackoff)
}

// Deadline returns when an attempt started at start must finish.
func (t *AITask) Deadline(start time.Time) time.Time {
	return start.Add(t.Timeout)
}

// Retry returns a copy of t with RetryCount incremented, or nil when
// the retry budget is spent. The copy keeps the task id and idempotency key,
// so it describes the same job rather than new work.
func (t *AITask) Retry() *AITask {
	if !t.CanRetry() {
		return nil
	}
	next := t.Clone()
	next.RetryCount++
	return next
}
