// Package fixtures holds shared test constants so tests across packages
// agree on tenants, queues, and timestamps.
package fixtures

import "time"

// Tenancy and identity values.
const (
	// TenantID is the default tenant for test tasks.
	TenantID = "tenant-acme"

	// AltTenantID is a second tenant for cross-tenant tests.
	AltTenantID = "tenant-globex"

	// UserID is the default requesting user.
	UserID = "user-abc-123"

	// Market is the default market tag.
	Market = "austin-tx"

	// Operator is the on-call identity used when acknowledging alerts.
	Operator = "oncall@acme.test"
)

// Queue and task values.
const (
	// QueueName is the default queue name.
	QueueName = "leasing"

	// AltQueueName is a second queue for registry tests.
	AltQueueName = "maintenance"

	// TaskType is the default task type.
	TaskType = "lease.renewal"

	// IdempotencyKey is a caller-supplied key used by duplicate tests.
	IdempotencyKey = "lease-renewal-unit-42"
)

// Alert rule values.
const (
	// AlertConfigID is the default alert rule id.
	AlertConfigID = "queue-depth"

	// AlertConfigName is the default alert rule name.
	AlertConfigName = "Queue depth"
)

// Epoch is a fixed instant used to seed fake clocks.
var Epoch = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// Configuration file contents used by loader tests.
const (
	// GovernanceYAML is a minimal governance configuration file.
	GovernanceYAML = `monitor_interval: 45s
default_cooldown_minutes: 10
queues:
  - leasing
  - maintenance
`

	// AlertRulesYAML defines two alert rules.
	AlertRulesYAML = `- id: queue-depth
  name: Queue depth
  enabled: true
  channels: [slack, pagerduty]
  cooldownMinutes: 5
  conditions:
    queueDepthThreshold: 100
- id: run-health
  name: Run health
  enabled: true
  channels: [webhook]
  conditions:
    failureRateThreshold: 0.2
    avgLatencyThreshold: 30s
    costThresholdUsd: 50
    policyViolationCount: 1
`
)
