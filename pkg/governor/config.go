package governor

import (
	"slices"
	"time"

	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/minio"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/postgres"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/telemetry"
)

// Backend selects where queues and cooldowns live.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config is the governance process configuration. Load it with
// config.New().WithEnvPrefix("GOVERNANCE"), so MonitorInterval is read from
// GOVERNANCE_MONITOR_INTERVAL and the Redis host from
// GOVERNANCE_REDIS_HOST.
type Config struct {
	MonitorInterval        time.Duration `json:"monitor_interval" yaml:"monitor_interval" env:"MONITOR_INTERVAL" envDefault:"30s"`
	DefaultCooldownMinutes int           `json:"default_cooldown_minutes" yaml:"default_cooldown_minutes" env:"DEFAULT_COOLDOWN_MINUTES" envDefault:"15"`
	Queues                 []string      `json:"queues" yaml:"queues" env:"QUEUES" envDefault:"leasing,maintenance,payments,communications,analytics,compliance"`
	Workers                int           `json:"workers" yaml:"workers" env:"WORKERS" envDefault:"1"`
	Backend                Backend       `json:"backend" yaml:"backend" env:"BACKEND" envDefault:"memory"`

	// AlertRulesFile is a YAML or JSON list of alert rules.
	AlertRulesFile string `json:"alert_rules_file,omitempty" yaml:"alert_rules_file" env:"ALERT_RULES_FILE"`

	SlackWebhookURL     string `json:"slack_webhook_url,omitempty" yaml:"slack_webhook_url" env:"SLACK_WEBHOOK_URL"`
	PagerDutyRoutingKey string `json:"-" yaml:"pagerduty_routing_key" env:"PAGERDUTY_ROUTING_KEY"`
	WebhookURL          string `json:"webhook_url,omitempty" yaml:"webhook_url" env:"WEBHOOK_URL"`

	Redis    redis.Config    `json:"redis" yaml:"redis" env:"REDIS"`
	Postgres postgres.Config `json:"postgres" yaml:"postgres" env:"POSTGRES"`
	MinIO    minio.Config    `json:"minio" yaml:"minio" env:"MINIO"`

	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" env:"OTEL"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.MonitorInterval <= 0 {
		return sserr.Validationf("governor: monitor_interval must be positive, got %s", c.MonitorInterval)
	}
	if c.DefaultCooldownMinutes < 0 {
		return sserr.Validationf("governor: default_cooldown_minutes must not be negative, got %d", c.DefaultCooldownMinutes)
	}
	if c.Workers < 0 {
		return sserr.Validationf("governor: workers must not be negative, got %d", c.Workers)
	}
	switch c.Backend {
	case BackendMemory, BackendRedis:
	default:
		return sserr.Validationf("governor: unknown backend %q", c.Backend)
	}
	if len(c.Queues) == 0 {
		return sserr.Validation("governor: at least one queue is required")
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, name := range c.Queues {
		if name == "" {
			return sserr.Validation("governor: queue names must not be empty")
		}
		if seen[name] {
			return sserr.Validationf("governor: queue %q is listed twice", name)
		}
		seen[name] = true
	}
	return c.Telemetry.Validate()
}

// DefaultCooldown returns the fallback alert cooldown.
func (c *Config) DefaultCooldown() time.Duration {
	return time.Duration(c.DefaultCooldownMinutes) * time.Minute
}

// PostgresEnabled reports whether a Postgres connection is configured.
func (c *Config) PostgresEnabled() bool {
	return c.Postgres.URI != "" || c.Postgres.Database != ""
}

// MinIOEnabled reports whether an object store is configured.
func (c *Config) MinIOEnabled() bool {
	return c.MinIO.Endpoint != ""
}

// QueueNames returns a sorted copy of the configured queue names.
func (c *Config) QueueNames() []string {
	names := slices.Clone(c.Queues)
	slices.Sort(names)
	return names
}
