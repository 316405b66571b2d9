// Package task defines the units of work the governance layer queues for AI
// agents, and the outcomes workers report for them.
//
// An [AITask] is treated as immutable after creation. Queues store a deep
// copy on submission and hand out copies on read, so neither side can
// mutate the other's view.
package task

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/StricklySoft/stricklysoft-governance/internal/validation"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

// Priority orders waiting work. Lower [Priority.Rank] is more urgent.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns 0 for critical through 3 for low. Unknown priorities rank
// as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

func (p Priority) String() string { return string(p) }

// AgentType identifies the kind of governed agent that executes a task.
type AgentType string

const (
	AgentTypeLeasing        AgentType = "leasing"
	AgentTypeMaintenance    AgentType = "maintenance"
	AgentTypePayments       AgentType = "payments"
	AgentTypeCommunications AgentType = "communications"
	AgentTypeAnalytics      AgentType = "analytics"
	AgentTypeCompliance     AgentType = "compliance"
)

// Valid reports whether a is a known agent type.
func (a AgentType) Valid() bool {
	switch a {
	case AgentTypeLeasing, AgentTypeMaintenance, AgentTypePayments,
		AgentTypeCommunications, AgentTypeAnalytics, AgentTypeCompliance:
		return true
	default:
		return false
	}
}

func (a AgentType) String() string { return string(a) }

// AITask is a unit of work for an AI agent.
//
// Payload and Metadata hold JSON-native values: strings, bools, float64
// numbers, nil, []any and map[string]any. [New] converts whatever it is
// given into that form so a task reads back identically from every queue
// backend.
type AITask struct {
	ID             string         `json:"id" validate:"required"`
	Type           string         `json:"type" validate:"required"`
	AgentType      AgentType      `json:"agentType" validate:"oneof=leasing maintenance payments communications analytics compliance"`
	Priority       Priority       `json:"priority" validate:"oneof=critical high normal low"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey" validate:"required"`
	TenantID       string         `json:"tenantId" validate:"required"`
	UserID         string         `json:"userId,omitempty"`
	Market         string         `json:"market,omitempty"`
	MaxRetries     int            `json:"maxRetries" validate:"gte=0"`
	RetryCount     int            `json:"retryCount" validate:"gte=0,ltefield=MaxRetries"`
	Backoff        time.Duration  `json:"backoff" validate:"gte=0"`
	Timeout        time.Duration  `json:"timeout" validate:"gt=0"`
	CreatedAt      time.Time      `json:"createdAt"`
	ScheduledFor   *time.Time     `json:"scheduledFor,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the task invariants: required identity fields, a known
// priority and agent type, and RetryCount <= MaxRetries.
func (t *AITask) Validate() error {
	if t == nil {
		return sserr.Validation("task: task must not be nil")
	}
	return validation.Struct(t)
}

// Clone returns a deep copy of t. Nested maps and slices inside Payload and
// Metadata are copied too.
func (t *AITask) Clone() *AITask {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneMap(t.Payload)
	c.Metadata = cloneMap(t.Metadata)
	if t.ScheduledFor != nil {
		at := *t.ScheduledFor
		c.ScheduledFor = &at
	}
	return &c
}

// Normalize returns a deep copy of t whose Payload and Metadata have been
// converted to JSON-native values.
func (t *AITask) Normalize() *AITask {
	c := t.Clone()
	if c == nil {
		return nil
	}
	c.Payload = jsonNative(t.Payload)
	c.Metadata = jsonNative(t.Metadata)
	return c
}

// IsDue reports whether the task may run at now.
func (t *AITask) IsDue(now time.Time) bool {
	return t.ScheduledFor == nil || !t.ScheduledFor.After(now)
}

// jsonNative round-trips m through encoding/json. Values json cannot encode
// are kept as a deep copy.
func jsonNative(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return cloneMap(m)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return cloneMap(m)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		return maps.Clone(val)
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
