package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-governance/internal/testutil"
	"github.com/StricklySoft/stricklysoft-governance/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

type redisSection struct {
	URI string `env:"URI" envDefault:"redis://localhost:6379/0" yaml:"uri" json:"uri"`
}

type testConfig struct {
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"30s" yaml:"monitor_interval" json:"monitor_interval"`
	DefaultCooldown int           `env:"DEFAULT_COOLDOWN_MINUTES" envDefault:"15" yaml:"default_cooldown_minutes" json:"default_cooldown_minutes"`
	Queues          []string      `env:"QUEUES" yaml:"queues" json:"queues"`
	FailureRatio    float64       `env:"FAILURE_RATIO" envDefault:"0.25" yaml:"failure_ratio" json:"failure_ratio"`
	Workers         uint          `env:"WORKERS" envDefault:"4" yaml:"workers" json:"workers"`
	Name            string        `env:"NAME" required:"true" yaml:"name" json:"name"`
	Redis           redisSection  `env:"REDIS" yaml:"redis" json:"redis"`
}

type validatedConfig struct {
	Threshold int `env:"THRESHOLD" envDefault:"0"`
}

func (c *validatedConfig) Validate() error {
	if c.Threshold <= 0 {
		return errors.New("threshold must be positive")
	}
	return nil
}

// ===========================================================================
// Layering
// ===========================================================================

func TestLoad_DefaultsOnly(t *testing.T) {
	t.Parallel()
	var cfg testConfig
	err := New().WithLookup(testutil.MapLookup(map[string]string{"NAME": "gov"})).Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.MonitorInterval)
	assert.Equal(t, 15, cfg.DefaultCooldown)
	assert.InDelta(t, 0.25, cfg.FailureRatio, 1e-9)
	assert.Equal(t, uint(4), cfg.Workers)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URI)
	assert.Nil(t, cfg.Queues)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := testutil.TempConfigFile(t, fixtures.GovernanceYAML, ".yaml")

	var cfg testConfig
	err := New().
		WithFile(path).
		WithLookup(testutil.MapLookup(map[string]string{"NAME": "gov"})).
		Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.MonitorInterval)
	assert.Equal(t, 10, cfg.DefaultCooldown)
	assert.Equal(t, []string{"leasing", "maintenance"}, cfg.Queues)
}

func TestLoad_EnvOverridesFileWithPrefix(t *testing.T) {
	t.Parallel()
	path := testutil.TempConfigFile(t, fixtures.GovernanceYAML, ".yml")
	env := map[string]string{
		"GOVERNANCE_NAME":                     "gov",
		"GOVERNANCE_MONITOR_INTERVAL":         "1m",
		"GOVERNANCE_QUEUES":                   "payments, compliance",
		"GOVERNANCE_FAILURE_RATIO":            "0.5",
		"GOVERNANCE_REDIS_URI":                "redis://cache:6379/2",
		"GOVERNANCE_DEFAULT_COOLDOWN_MINUTES": "3",
	}

	var cfg testConfig
	err := New().WithEnvPrefix("governance").WithFile(path).WithLookup(testutil.MapLookup(env)).Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.MonitorInterval)
	assert.Equal(t, 3, cfg.DefaultCooldown)
	assert.Equal(t, []string{"payments", "compliance"}, cfg.Queues)
	assert.InDelta(t, 0.5, cfg.FailureRatio, 1e-9)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URI)
}

func TestLoad_JSONFile(t *testing.T) {
	t.Parallel()
	path := testutil.TempConfigFile(t, `{"name":"from-json","workers":9}`, ".json")

	var cfg testConfig
	require.NoError(t, New().WithFile(path).WithLookup(testutil.MapLookup(nil)).Load(&cfg))
	assert.Equal(t, "from-json", cfg.Name)
	assert.Equal(t, uint(9), cfg.Workers)
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	t.Parallel()
	var cfg testConfig
	err := New().
		WithFile(t.TempDir() + "/absent.yaml").
		WithLookup(testutil.MapLookup(map[string]string{"NAME": "gov"})).
		Load(&cfg)
	require.NoError(t, err)
}

// ===========================================================================
// Failures
// ===========================================================================

func TestLoad_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		run  func() error
		code sserr.Code
	}{
		{
			name: "nil pointer",
			run:  func() error { return New().Load(nil) },
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "non-struct pointer",
			run:  func() error { n := 3; return New().Load(&n) },
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "required field missing",
			run: func() error {
				var cfg testConfig
				return New().WithLookup(testutil.MapLookup(nil)).Load(&cfg)
			},
			code: sserr.CodeValidationRequired,
		},
		{
			name: "bad float in env",
			run: func() error {
				var cfg testConfig
				return New().WithLookup(testutil.MapLookup(map[string]string{
					"NAME": "gov", "FAILURE_RATIO": "lots",
				})).Load(&cfg)
			},
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "directory traversal",
			run: func() error {
				var cfg testConfig
				return New().WithFile("../etc/governance.yaml").Load(&cfg)
			},
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "unsupported extension",
			run: func() error {
				var cfg testConfig
				path := testutil.TempConfigFile(t, "name = 'x'", ".toml")
				return New().WithFile(path).Load(&cfg)
			},
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "custom validator",
			run: func() error {
				var cfg validatedConfig
				return New().WithLookup(testutil.MapLookup(nil)).Load(&cfg)
			},
			code: sserr.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			testutil.AssertErrorCode(t, tt.run(), tt.code)
		})
	}
}

func TestLoadFile_MissingFileIsError(t *testing.T) {
	t.Parallel()
	var out []map[string]any
	err := LoadFile(t.TempDir()+"/rules.yaml", &out)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestMustLoad_PanicsOnFailure(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		MustLoad[testConfig](New().WithLookup(testutil.MapLookup(nil)))
	})
	assert.NotPanics(t, func() {
		cfg := MustLoad[testConfig](New().WithLookup(testutil.MapLookup(map[string]string{"NAME": "ok"})))
		assert.Equal(t, "ok", cfg.Name)
	})
}
