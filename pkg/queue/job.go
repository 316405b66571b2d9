// Package queue provides idempotent, priority-aware task queues for AI
// agents, the manager that ties a queue to an outcome recorder, and a
// registry for fanning operations out across every queue in a process.
//
// # Job Status
//
// Every task added to a queue becomes a job. Job status follows a small
// state machine validated by [ValidTransition]:
//
//	Delayed → Active            (once the task is due)
//	Waiting → Active
//	Active  → Completed, Failed
//
// Completed and Failed are terminal and sticky. A delayed job whose
// scheduled time has passed is reported, ordered, and claimed as waiting.
//
// # Idempotency
//
// A queue remembers every idempotency key it has accepted for its whole
// lifetime. Adding a second task with a known key fails with
// [sserr.CodeConflictDuplicateTask], even after the first job was cleaned.
// The check and the insert happen atomically.
//
// # OpenTelemetry Integration
//
// [Manager] operations create spans named "queue.<Op>" and increment the
// counters governance.tasks.enqueued, governance.tasks.duplicate, and
// governance.outcomes.recorded.
package queue

import (
	"cmp"
	"slices"
	"time"

	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

const tracerName = "github.com/StricklySoft/stricklysoft-governance/pkg/queue"

// Status is the position of a job in its lifecycle.
type Status string

const (
	// StatusDelayed marks a job whose task is scheduled for later.
	StatusDelayed Status = "delayed"

	// StatusWaiting marks a job ready to be claimed by a worker.
	StatusWaiting Status = "waiting"

	// StatusActive marks a job a worker is executing.
	StatusActive Status = "active"

	// StatusCompleted marks a job that finished successfully. Terminal.
	StatusCompleted Status = "completed"

	// StatusFailed marks a job that finished unsuccessfully. Terminal.
	StatusFailed Status = "failed"
)

func (s Status) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDelayed, StatusWaiting, StatusActive, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var validTransitions = map[Status][]Status{
	StatusDelayed: {StatusActive},
	StatusWaiting: {StatusActive},
	StatusActive:  {StatusCompleted, StatusFailed},
}

// ValidTransition reports whether a job may move from one status to
// another. Terminal statuses have no outgoing transitions.
func ValidTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Job is a task held by a queue together with its status.
type Job struct {
	ID         string       `json:"id"`
	Task       *task.AITask `json:"task"`
	Status     Status       `json:"status"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	Seq        int64        `json:"seq"`
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	j.Task = j.Task.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	return j
}

// statusAt returns the status j reports at now. Delayed jobs that are due
// report as waiting.
func (j *Job) statusAt(now time.Time) Status {
	if j.Status == StatusDelayed && j.Task.IsDue(now) {
		return StatusWaiting
	}
	return j.Status
}

// transition moves j to status to at now. Delayed jobs may only start once
// due.
func (j *Job) transition(to Status, now time.Time) bool {
	if j.Status == StatusDelayed && !j.Task.IsDue(now) {
		return false
	}
	if !ValidTransition(j.Status, to) {
		return false
	}
	j.Status = to
	switch to {
	case StatusActive:
		j.StartedAt = &now
	case StatusCompleted, StatusFailed:
		j.FinishedAt = &now
	}
	return true
}

// initialStatus is delayed for tasks scheduled after now and waiting
// otherwise.
func initialStatus(t *task.AITask, now time.Time) Status {
	if t.IsDue(now) {
		return StatusWaiting
	}
	return StatusDelayed
}

// sortByPriority orders jobs critical first, FIFO within a priority.
func sortByPriority(jobs []Job) {
	slices.SortStableFunc(jobs, func(a, b Job) int {
		if c := cmp.Compare(a.Task.Priority.Rank(), b.Task.Priority.Rank()); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// expired reports whether a terminal job finished at least grace before
// now.
func expired(j *Job, grace time.Duration, now time.Time) bool {
	if j.FinishedAt == nil {
		return false
	}
	return grace <= 0 || !j.FinishedAt.After(now.Add(-grace))
}
