package outcome

import (
	"context"
	"slices"
	"sync"

	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// MemoryRecorder keeps outcomes in process memory. It is safe for
// concurrent use.
type MemoryRecorder struct {
	mu       sync.RWMutex
	outcomes map[string]task.Outcome
	order    []string // oldest first
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder returns an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{outcomes: make(map[string]task.Outcome)}
}

// Record implements [Recorder].
func (r *MemoryRecorder) Record(_ context.Context, o task.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outcomes[o.TaskID]; ok {
		r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == o.TaskID })
	}
	r.outcomes[o.TaskID] = o.Clone()
	r.order = append(r.order, o.TaskID)
	return nil
}

// Get implements [Recorder].
func (r *MemoryRecorder) Get(_ context.Context, taskID string) (*task.Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.outcomes[taskID]
	if !ok {
		return nil, nil
	}
	c := o.Clone()
	return &c, nil
}

// Recent implements [Recorder].
func (r *MemoryRecorder) Recent(_ context.Context, limit int) ([]task.Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]task.Outcome, 0, n)
	for i := len(r.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.outcomes[r.order[i]].Clone())
	}
	return out, nil
}

// Len returns the number of stored outcomes.
func (r *MemoryRecorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
