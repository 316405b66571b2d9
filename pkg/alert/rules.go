package alert

import (
	"fmt"
	"time"

	"github.com/StricklySoft/stricklysoft-governance/pkg/queue"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// escalate grades value against threshold: warning at the threshold,
// critical at twice the threshold.
func escalate(value, threshold float64) (Severity, bool) {
	switch {
	case value >= 2*threshold:
		return SeverityCritical, true
	case value >= threshold:
		return SeverityWarning, true
	default:
		return "", false
	}
}

func queueHealthAlerts(cfg Config, h queue.Health) []Alert {
	var out []Alert
	if th := cfg.Conditions.QueueDepthThreshold; th != nil {
		depth := h.Depth()
		if sev, ok := escalate(float64(depth), float64(*th)); ok {
			out = append(out, Alert{
				Severity: sev,
				Title:    "Queue depth threshold exceeded",
				Message:  fmt.Sprintf("queue %q has %d pending jobs, threshold is %d", h.QueueName, depth, *th),
				Data: map[string]any{
					"queue":     h.QueueName,
					"depth":     depth,
					"threshold": *th,
					"waiting":   h.Waiting,
					"active":    h.Active,
					"delayed":   h.Delayed,
				},
			})
		}
	}
	if h.Paused {
		out = append(out, Alert{
			Severity: SeverityWarning,
			Title:    "Queue paused",
			Message:  fmt.Sprintf("queue %q is paused", h.QueueName),
			Data:     map[string]any{"queue": h.QueueName},
		})
	}
	return out
}

func runSummaryAlerts(cfg Config, s RunSummary) []Alert {
	var out []Alert
	c := cfg.Conditions
	if th := c.FailureRateThreshold; th != nil {
		rate := s.FailureRate()
		if sev, ok := escalate(rate, *th); ok {
			out = append(out, Alert{
				Severity: sev,
				Title:    "Failure rate threshold exceeded",
				Message: fmt.Sprintf("%s agents failed %d of %d runs (%.1f%%), threshold is %.1f%%",
					s.AgentType, s.FailedRuns, s.TotalRuns, rate*100, *th*100),
				Data: map[string]any{
					"agentType":   s.AgentType,
					"failureRate": rate,
					"threshold":   *th,
					"totalRuns":   s.TotalRuns,
					"failedRuns":  s.FailedRuns,
				},
			})
		}
	}
	if th := c.AvgLatencyThreshold; th != nil {
		if sev, ok := escalate(float64(s.AvgLatency), float64(*th)); ok {
			out = append(out, Alert{
				Severity: sev,
				Title:    "Average latency threshold exceeded",
				Message: fmt.Sprintf("%s agents averaged %s per run, threshold is %s",
					s.AgentType, s.AvgLatency.Round(time.Millisecond), *th),
				Data: map[string]any{
					"agentType":    s.AgentType,
					"avgLatency":   s.AvgLatency.String(),
					"avgLatencyMs": s.AvgLatency.Milliseconds(),
					"threshold":    th.String(),
				},
			})
		}
	}
	if th := c.CostThresholdUSD; th != nil {
		if sev, ok := escalate(s.TotalCostUSD, *th); ok {
			out = append(out, Alert{
				Severity: sev,
				Title:    "Cost threshold exceeded",
				Message: fmt.Sprintf("%s agents cost $%.2f, threshold is $%.2f",
					s.AgentType, s.TotalCostUSD, *th),
				Data: map[string]any{
					"agentType":    s.AgentType,
					"totalCostUsd": s.TotalCostUSD,
					"threshold":    *th,
				},
			})
		}
	}
	if th := c.PolicyViolationCount; th != nil && s.PolicyViolations >= *th {
		out = append(out, Alert{
			Severity: SeverityCritical,
			Title:    "Policy violations detected",
			Message: fmt.Sprintf("%s agents recorded %d policy violations, threshold is %d",
				s.AgentType, s.PolicyViolations, *th),
			Data: map[string]any{
				"agentType":        s.AgentType,
				"policyViolations": s.PolicyViolations,
				"threshold":        *th,
			},
		})
	}
	return out
}

func taskOutcomeAlert(_ Config, o task.Outcome) Alert {
	msg := fmt.Sprintf("task %q failed", o.TaskID)
	data := map[string]any{"taskId": o.TaskID, "runId": o.RunID, "retried": o.Retried}
	if o.Error != nil {
		msg = fmt.Sprintf("task %q failed with %s: %s", o.TaskID, o.Error.Code, o.Error.Message)
		data["errorCode"] = o.Error.Code
	}
	return Alert{
		Severity: SeverityWarning,
		Title:    "Task failed",
		Message:  msg,
		Data:     data,
	}
}
