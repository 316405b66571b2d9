//go:build integration

// Integration tests for a governor built over real Redis, PostgreSQL and
// MinIO containers.
//
// Run locally with:
//
//	go test -v -race -tags=integration ./pkg/governor/...
package governor_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/StricklySoft/stricklysoft-governance/internal/testutil/containers"
	"github.com/StricklySoft/stricklysoft-governance/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-governance/pkg/alert"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/minio"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/postgres"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/governor"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// GovernorIntegrationSuite shares one container of each backend across
// every test. Tests isolate themselves with distinct queue names.
type GovernorIntegrationSuite struct {
	suite.Suite

	ctx      context.Context
	redis    *containers.RedisResult
	postgres *containers.PostgresResult
	minio    *containers.MinIOResult
	backends *governor.Backends
}

func (s *GovernorIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.redis, err = containers.StartRedis(s.ctx)
	require.NoError(s.T(), err, "failed to start Redis container")
	s.postgres, err = containers.StartPostgres(s.ctx)
	require.NoError(s.T(), err, "failed to start PostgreSQL container")
	s.minio, err = containers.StartMinIO(s.ctx)
	require.NoError(s.T(), err, "failed to start MinIO container")

	s.backends, err = governor.Connect(s.ctx, s.config())
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.backends.EnsureSchema(s.ctx))
}

func (s *GovernorIntegrationSuite) TearDownSuite() {
	s.backends.Close()
	if s.minio != nil {
		_ = s.minio.Container.Terminate(s.ctx)
	}
	if s.postgres != nil {
		_ = s.postgres.Container.Terminate(s.ctx)
	}
	if s.redis != nil {
		_ = s.redis.Container.Terminate(s.ctx)
	}
}

func (s *GovernorIntegrationSuite) config(queues ...string) governor.Config {
	if len(queues) == 0 {
		queues = []string{fixtures.QueueName}
	}
	return governor.Config{
		MonitorInterval:        time.Hour,
		DefaultCooldownMinutes: 15,
		Queues:                 queues,
		Workers:                1,
		Backend:                governor.BackendRedis,
		Redis:                  redis.Config{URI: s.redis.ConnString, KeyPrefix: "it"},
		Postgres:               postgres.Config{URI: s.postgres.ConnString, MaxConns: 5},
		MinIO: minio.Config{
			Endpoint:  s.minio.Endpoint,
			AccessKey: s.minio.AccessKey,
			SecretKey: minio.Secret(s.minio.SecretKey),
			Bucket:    "governance-it",
		},
	}
}

func (s *GovernorIntegrationSuite) build(queues ...string) *governor.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := governor.Build(s.config(queues...), s.backends, logger)
	require.NoError(s.T(), err)
	return svc
}

func (s *GovernorIntegrationSuite) TestDuplicateTasksRejectedAcrossServices() {
	t := s.T()
	first := s.build("it-dedup")
	second := s.build("it-dedup")

	tk := task.New(fixtures.TaskType, task.AgentTypeLeasing, fixtures.TenantID,
		task.WithIdempotencyKey(fixtures.IdempotencyKey))
	_, err := first.Registry().MustGet("it-dedup").Enqueue(s.ctx, tk)
	require.NoError(t, err)

	_, err = second.Registry().MustGet("it-dedup").Enqueue(s.ctx, tk)
	assert.True(t, sserr.IsDuplicateTask(err), "got %v", err)
}

func (s *GovernorIntegrationSuite) TestOutcomesPersisted() {
	t := s.T()
	svc := s.build("it-outcomes")
	m := svc.Registry().MustGet("it-outcomes")

	tk := task.New(fixtures.TaskType, task.AgentTypeMaintenance, fixtures.TenantID)
	_, err := m.Enqueue(s.ctx, tk)
	require.NoError(t, err)
	require.NoError(t, m.RecordOutcome(s.ctx, task.Succeeded(tk.ID, "run-1", fixtures.Epoch)))

	got, err := m.Recorder().Get(s.ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Success)
	assert.Equal(t, "run-1", got.RunID)
}

func (s *GovernorIntegrationSuite) TestAlertCycleWithDurableStores() {
	t := s.T()
	svc := s.build("it-alerts")
	threshold := 1
	require.NoError(t, svc.Alerts().RegisterConfig(alert.Config{
		ID:         "it-depth",
		Name:       "Integration depth",
		Enabled:    true,
		Conditions: alert.Conditions{QueueDepthThreshold: &threshold},
	}))
	_, err := svc.Registry().MustGet("it-alerts").Enqueue(s.ctx,
		task.New(fixtures.TaskType, task.AgentTypePayments, fixtures.TenantID))
	require.NoError(t, err)

	raised, err := svc.CheckNow(s.ctx)
	require.NoError(t, err)
	require.Len(t, raised, 1)

	again, err := svc.CheckNow(s.ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "cooldown held in redis")

	_, err = svc.Alerts().Resolve(s.ctx, raised[0].ID)
	require.NoError(t, err)

	history, err := svc.Alerts().AlertHistory(s.ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(history))
	for _, a := range history {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, raised[0].ID)
}

func (s *GovernorIntegrationSuite) TestLifecycle() {
	t := s.T()
	svc := s.build("it-lifecycle")
	require.NoError(t, svc.Start(s.ctx))
	require.NoError(t, svc.Pause(s.ctx))
	require.NoError(t, svc.Resume(s.ctx))
	require.NoError(t, svc.Stop(s.ctx))
	assert.Equal(t, governor.StateStopped, svc.State())
}

func TestGovernorIntegration(t *testing.T) {
	suite.Run(t, new(GovernorIntegrationSuite))
}
