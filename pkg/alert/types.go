// Package alert evaluates queue health, run summaries, and task outcomes
// against configured thresholds and raises alerts with a per-rule cooldown.
//
// # Rules
//
// A rule ([Config]) names one or more [Conditions]. Each condition that is
// met produces its own [Alert]. Threshold conditions escalate: a value at or
// above the threshold is a warning, and a value at or above twice the
// threshold is critical. A paused queue and a met policy violation count
// are reported without escalation.
//
// # Cooldown
//
// After a rule raises alerts it is silenced for its cooldown window. The
// cooldown is checked once per rule per evaluation, before any condition is
// evaluated, and claimed atomically through a [CooldownStore] when alerts
// are raised, so two concurrent evaluations of the same rule cannot both
// emit.
//
// # Dispatch
//
// Alerts are sent synchronously to the [Handler] registered for each of the
// alert's channels. Missing handlers are skipped; handler errors and panics
// are logged and never reach the caller.
package alert

import (
	"maps"
	"slices"
	"time"
)

const tracerName = "github.com/StricklySoft/stricklysoft-governance/pkg/alert"

// DefaultCooldown applies to rules without their own cooldown when the
// manager has no default configured.
const DefaultCooldown = 15 * time.Minute

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) String() string { return string(s) }

// Channel names a delivery target.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSlack     Channel = "slack"
	ChannelPagerDuty Channel = "pagerduty"
	ChannelWebhook   Channel = "webhook"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSlack, ChannelPagerDuty, ChannelWebhook:
		return true
	default:
		return false
	}
}

func (c Channel) String() string { return string(c) }

// Conditions are the thresholds a rule watches. Nil fields are not
// evaluated.
type Conditions struct {
	// QueueDepthThreshold is compared with waiting + active + delayed jobs.
	QueueDepthThreshold *int `json:"queueDepthThreshold,omitempty" yaml:"queueDepthThreshold,omitempty" validate:"omitempty,gt=0"`

	// FailureRateThreshold is a fraction in (0, 1] compared with failed
	// runs over total runs.
	FailureRateThreshold *float64 `json:"failureRateThreshold,omitempty" yaml:"failureRateThreshold,omitempty" validate:"omitempty,gt=0,lte=1"`

	// AvgLatencyThreshold is compared with the average run latency. In
	// JSON it is given in nanoseconds; YAML also accepts "30s".
	AvgLatencyThreshold *time.Duration `json:"avgLatencyThreshold,omitempty" yaml:"avgLatencyThreshold,omitempty" validate:"omitempty,gt=0"`

	// CostThresholdUSD is compared with the total run cost.
	CostThresholdUSD *float64 `json:"costThresholdUsd,omitempty" yaml:"costThresholdUsd,omitempty" validate:"omitempty,gt=0"`

	// PolicyViolationCount raises a critical alert once the number of
	// policy violations reaches it.
	PolicyViolationCount *int `json:"policyViolationCount,omitempty" yaml:"policyViolationCount,omitempty" validate:"omitempty,gt=0"`
}

// Empty reports whether no condition is set.
func (c Conditions) Empty() bool {
	return c.QueueDepthThreshold == nil &&
		c.FailureRateThreshold == nil &&
		c.AvgLatencyThreshold == nil &&
		c.CostThresholdUSD == nil &&
		c.PolicyViolationCount == nil
}

func (c Conditions) clone() Conditions {
	return Conditions{
		QueueDepthThreshold:  clonePtr(c.QueueDepthThreshold),
		FailureRateThreshold: clonePtr(c.FailureRateThreshold),
		AvgLatencyThreshold:  clonePtr(c.AvgLatencyThreshold),
		CostThresholdUSD:     clonePtr(c.CostThresholdUSD),
		PolicyViolationCount: clonePtr(c.PolicyViolationCount),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Config is an alert rule.
type Config struct {
	ID              string     `json:"id" yaml:"id" validate:"required"`
	Name            string     `json:"name" yaml:"name" validate:"required"`
	Enabled         bool       `json:"enabled" yaml:"enabled"`
	Conditions      Conditions `json:"conditions" yaml:"conditions"`
	Channels        []Channel  `json:"channels" yaml:"channels" validate:"dive,oneof=email slack pagerduty webhook"`
	CooldownMinutes int        `json:"cooldownMinutes,omitempty" yaml:"cooldownMinutes,omitempty" validate:"gte=0"`
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	c.Conditions = c.Conditions.clone()
	c.Channels = slices.Clone(c.Channels)
	return c
}

// Alert is a raised alert.
type Alert struct {
	ID             string         `json:"id"`
	ConfigID       string         `json:"configId"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
	TriggeredAt    time.Time      `json:"triggeredAt"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string         `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	Channels       []Channel      `json:"channels"`
}

// Clone returns a deep copy of a.
func (a Alert) Clone() Alert {
	a.Data = maps.Clone(a.Data)
	a.Channels = slices.Clone(a.Channels)
	a.AcknowledgedAt = clonePtr(a.AcknowledgedAt)
	a.ResolvedAt = clonePtr(a.ResolvedAt)
	return a
}

// Acknowledged reports whether someone has acknowledged a.
func (a Alert) Acknowledged() bool { return a.AcknowledgedAt != nil }

// Resolved reports whether a has been resolved.
func (a Alert) Resolved() bool { return a.ResolvedAt != nil }

// RunSummary aggregates agent runs over a reporting window.
type RunSummary struct {
	AgentType        string        `json:"agentType"`
	TotalRuns        int           `json:"totalRuns"`
	FailedRuns       int           `json:"failedRuns"`
	AvgLatency       time.Duration `json:"avgLatency"`
	TotalCostUSD     float64       `json:"totalCostUsd"`
	PolicyViolations int           `json:"policyViolations"`
}

// FailureRate returns FailedRuns / TotalRuns, or 0 when there were no runs.
func (s RunSummary) FailureRate() float64 {
	if s.TotalRuns <= 0 {
		return 0
	}
	return float64(s.FailedRuns) / float64(s.TotalRuns)
}
