package governor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/StricklySoft/stricklysoft-governance/pkg/alert"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/minio"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/postgres"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/outcome"
	"github.com/StricklySoft/stricklysoft-governance/pkg/queue"
)

// Backends holds the storage clients a service is built on. A nil client
// means the matching in-memory implementation is used.
type Backends struct {
	// Redis backs queues and alert cooldowns.
	Redis *redis.Client

	// Postgres backs task outcomes and, unless MinIO is set, alert history.
	Postgres *postgres.Client

	// MinIO backs alert history.
	MinIO *minio.Client
}

// Connect opens the clients cfg asks for: Redis when the backend is
// redis, Postgres and MinIO when they are configured. On failure every
// client opened so far is closed.
func Connect(ctx context.Context, cfg Config) (*Backends, error) {
	b := &Backends{}
	if cfg.Backend == BackendRedis {
		c, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.Redis = c
	}
	if cfg.PostgresEnabled() {
		c, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Postgres = c
	}
	if cfg.MinIOEnabled() {
		c, err := minio.NewClient(ctx, cfg.MinIO)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.MinIO = c
	}
	return b, nil
}

// Close closes every open client.
func (b *Backends) Close() {
	if b == nil {
		return
	}
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
	if b.Postgres != nil {
		b.Postgres.Close()
	}
}

// EnsureSchema creates the Postgres tables and the MinIO bucket used by
// the stores.
func (b *Backends) EnsureSchema(ctx context.Context) error {
	var errs []error
	if b.Postgres != nil {
		errs = append(errs,
			outcome.NewPostgresRecorder(b.Postgres).EnsureSchema(ctx),
			alert.NewPostgresHistory(b.Postgres).EnsureSchema(ctx),
		)
	}
	if b.MinIO != nil {
		errs = append(errs, b.MinIO.EnsureBucket(ctx))
	}
	return errors.Join(errs...)
}

// Build assembles a service from cfg over b: one queue manager per
// configured queue, an alert manager loaded with cfg's rules and channel
// handlers, and outcomes forwarded from every queue to the alert rules.
// Extra alert options, such as an email handler, are applied last.
func Build(cfg Config, b *Backends, logger *slog.Logger, alertOpts ...alert.Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		b = &Backends{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	manager, err := buildAlerts(cfg, b, logger, alertOpts)
	if err != nil {
		return nil, err
	}
	registry := queue.NewRegistry()
	svc, err := NewService(registry, manager,
		WithLogger(logger),
		WithMonitorInterval(cfg.MonitorInterval),
	)
	if err != nil {
		return nil, err
	}

	var recorder outcome.Recorder = outcome.NewMemoryRecorder()
	if b.Postgres != nil {
		recorder = outcome.NewPostgresRecorder(b.Postgres)
	}
	queueOpts := []queue.Option{queue.WithLogger(logger), queue.WithWorkers(cfg.Workers)}
	for _, name := range cfg.QueueNames() {
		var q queue.Queue
		if b.Redis != nil {
			q = queue.NewRedisQueue(name, b.Redis, queueOpts...)
		} else {
			q = queue.NewMemoryQueue(name, queueOpts...)
		}
		registry.Register(name, queue.NewManager(q, recorder,
			queue.WithManagerLogger(logger),
			queue.WithOutcomeHandler(svc.ForwardOutcome),
		))
	}
	return svc, nil
}

func buildAlerts(cfg Config, b *Backends, logger *slog.Logger, extra []alert.Option) (*alert.Manager, error) {
	opts := []alert.Option{
		alert.WithLogger(logger),
		alert.WithDefaultCooldown(cfg.DefaultCooldown()),
	}
	if b.Redis != nil {
		opts = append(opts, alert.WithCooldownStore(alert.NewRedisCooldown(b.Redis)))
	}
	switch {
	case b.MinIO != nil:
		opts = append(opts, alert.WithHistoryStore(alert.NewObjectHistory(b.MinIO, "")))
	case b.Postgres != nil:
		opts = append(opts, alert.WithHistoryStore(alert.NewPostgresHistory(b.Postgres)))
	}
	if cfg.SlackWebhookURL != "" {
		opts = append(opts, alert.WithHandler(alert.ChannelSlack, alert.NewSlackHandler(cfg.SlackWebhookURL)))
	}
	if cfg.PagerDutyRoutingKey != "" {
		opts = append(opts, alert.WithHandler(alert.ChannelPagerDuty, alert.NewPagerDutyHandler(cfg.PagerDutyRoutingKey)))
	}
	if cfg.WebhookURL != "" {
		opts = append(opts, alert.WithHandler(alert.ChannelWebhook, alert.NewWebhookHandler(cfg.WebhookURL)))
	}
	manager := alert.NewManager(append(opts, extra...)...)

	if cfg.AlertRulesFile == "" {
		return manager, nil
	}
	rules, err := alert.LoadConfigs(cfg.AlertRulesFile)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if err := manager.RegisterConfig(rule); err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeValidation, "governor: invalid alert rule %q", rule.ID)
		}
	}
	logger.Info("governor: loaded alert rules", "count", len(rules), "file", cfg.AlertRulesFile)
	return manager, nil
}
