// Package outcome persists the results workers report for queued tasks.
//
// The recorder is the source of truth for task results. Queue job status is
// a derived view that the queue manager updates on a best-effort basis after
// a successful Record.
package outcome

import (
	"context"

	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// Recorder stores task outcomes keyed by task id.
type Recorder interface {
	// Record stores o. Recording a task id again replaces the earlier
	// outcome and makes it the most recent.
	Record(ctx context.Context, o task.Outcome) error

	// Get returns the outcome for taskID, or nil and no error when none
	// was recorded.
	Get(ctx context.Context, taskID string) (*task.Outcome, error)

	// Recent returns up to limit outcomes, newest first. A limit <= 0
	// returns every outcome.
	Recent(ctx context.Context, limit int) ([]task.Outcome, error)
}

// SuccessRate returns the percentage of successful outcomes in outcomes, or
// 0 when outcomes is empty.
func SuccessRate(outcomes []task.Outcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var ok int
	for _, o := range outcomes {
		if o.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(outcomes)) * 100
}
