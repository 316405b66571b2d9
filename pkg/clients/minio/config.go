package minio

import (
	"errors"
	"time"
)

const maxStatementLen = 100

// Defaults applied by [Config.Validate].
const (
	DefaultEndpoint      = "minio.databases.svc.cluster.local:9000"
	DefaultRegion        = "us-east-1"
	DefaultBucket        = "governance-alerts"
	DefaultHealthTimeout = 5 * time.Second
)

// Secret is a string that never prints its value.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// MarshalText redacts the secret in every text encoding.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config configures the object store that archives resolved alerts.
type Config struct {
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey Secret `json:"-" yaml:"secret_key" env:"SECRET_KEY"`
	Region    string `json:"region,omitempty" yaml:"region" env:"REGION"`
	UseSSL    bool   `json:"use_ssl,omitempty" yaml:"use_ssl" env:"USE_SSL"`

	// Bucket holds the alert history objects. It is created on first use.
	Bucket string `json:"bucket,omitempty" yaml:"bucket" env:"BUCKET"`
}

// DefaultConfig returns a Config for the in-cluster MinIO service.
func DefaultConfig() *Config {
	return &Config{Endpoint: DefaultEndpoint, Region: DefaultRegion, Bucket: DefaultBucket}
}

// Validate checks required fields and fills defaults. It mutates c.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio: config endpoint must not be empty")
	}
	if c.AccessKey == "" {
		return errors.New("minio: config access_key must not be empty")
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	return nil
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementLen {
		return s
	}
	return string(runes[:maxStatementLen]) + "..."
}
