// Package redis wraps go-redis with OpenTelemetry spans and coded errors for
// the durable governance stores: the Redis task queue and the alert
// cooldown store.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-governance/pkg/clients/redis"

// Cmdable is the subset of go-redis commands the governance stores use. It
// is satisfied by *redis.Client and by test mocks passed to NewFromClient.
type Cmdable interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LRem(ctx context.Context, key string, count int64, value any) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Cmdable = (*redis.Client)(nil)

// Client adds tracing and error classification to a Cmdable. It is safe for
// concurrent use; share one per Redis instance.
type Client struct {
	cmdable Cmdable
	config  *Config
	tracer  trace.Tracer
	dbIndex int
}

// NewClient validates cfg, dials Redis, and pings it. Invalid configuration
// returns [sserr.CodeValidation]; an unreachable server returns
// [sserr.CodeUnavailableDependency].
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: invalid configuration")
	}

	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: failed to connect to server")
	}

	return &Client{
		cmdable: rdb,
		config:  &cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: opts.DB,
	}, nil
}

func (c *Config) options() (*redis.Options, error) {
	if c.URI == "" {
		opts := &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", c.Host, c.Port),
			Password: c.Password.Value(),
			DB:       c.DB,
		}
		if c.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		c.applyPool(opts)
		return opts, nil
	}

	opts, err := redis.ParseURL(c.URI)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: failed to parse connection URI")
	}
	c.applyPool(opts)
	return opts, nil
}

func (c *Config) applyPool(opts *redis.Options) {
	opts.PoolSize = c.PoolSize
	opts.MinIdleConns = c.MinIdleConns
	opts.MaxRetries = c.MaxRetries
	opts.DialTimeout = c.DialTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
}

// NewFromClient wraps an existing Cmdable, typically a mock. cfg may be nil.
func NewFromClient(cmdable Cmdable, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Client{
		cmdable: cmdable,
		config:  cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: cfg.DB,
	}
}

// Key builds a namespaced key from the configured prefix.
func (c *Client) Key(parts ...string) string {
	return c.config.Key(parts...)
}

// run executes fn inside a client span and classifies its error.
func run[T any](ctx context.Context, c *Client, op, statement string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := c.startSpan(ctx, op, statement)
	val, err := fn(ctx)
	finishSpan(span, err)
	if err != nil {
		var zero T
		return zero, wrapError(err, "redis: "+op+" failed")
	}
	return val, nil
}

// Set stores value at key. A zero expiration means no TTL.
func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	_, err := run(ctx, c, "Set", "SET "+key, func(ctx context.Context) (string, error) {
		return c.cmdable.Set(ctx, key, value, expiration).Result()
	})
	return err
}

// SetNX stores value at key only if the key does not exist and reports
// whether it was stored. Redis executes the check and the write atomically.
func (c *Client) SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error) {
	return run(ctx, c, "SetNX", fmt.Sprintf("SET %s NX PX %d", key, expiration.Milliseconds()), func(ctx context.Context) (bool, error) {
		return c.cmdable.SetNX(ctx, key, value, expiration).Result()
	})
}

// Get returns the value at key. found is false, with a nil error, when the
// key does not exist.
func (c *Client) Get(ctx context.Context, key string) (val string, found bool, err error) {
	val, err = run(ctx, c, "Get", "GET "+key, func(ctx context.Context) (string, error) {
		return nilAsEmpty(c.cmdable.Get(ctx, key).Result())
	})
	return val, err == nil && val != "", err
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	return run(ctx, c, "Del", fmt.Sprintf("DEL %v", keys), func(ctx context.Context) (int64, error) {
		return c.cmdable.Del(ctx, keys...).Result()
	})
}

// Exists returns how many of keys exist.
func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	return run(ctx, c, "Exists", fmt.Sprintf("EXISTS %v", keys), func(ctx context.Context) (int64, error) {
		return c.cmdable.Exists(ctx, keys...).Result()
	})
}

// HSet writes field/value pairs and returns the number of new fields.
func (c *Client) HSet(ctx context.Context, key string, values ...any) (int64, error) {
	return run(ctx, c, "HSet", "HSET "+key, func(ctx context.Context) (int64, error) {
		return c.cmdable.HSet(ctx, key, values...).Result()
	})
}

// HGet returns one hash field. found is false, with a nil error, when the
// field or key does not exist.
func (c *Client) HGet(ctx context.Context, key, field string) (val string, found bool, err error) {
	val, err = run(ctx, c, "HGet", fmt.Sprintf("HGET %s %s", key, field), func(ctx context.Context) (string, error) {
		return nilAsEmpty(c.cmdable.HGet(ctx, key, field).Result())
	})
	return val, err == nil && val != "", err
}

// HGetAll returns every field of a hash, or an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return run(ctx, c, "HGetAll", "HGETALL "+key, func(ctx context.Context) (map[string]string, error) {
		return c.cmdable.HGetAll(ctx, key).Result()
	})
}

// HDel removes hash fields and returns how many existed.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return run(ctx, c, "HDel", fmt.Sprintf("HDEL %s %v", key, fields), func(ctx context.Context) (int64, error) {
		return c.cmdable.HDel(ctx, key, fields...).Result()
	})
}

// RPush appends to a list and returns its new length.
func (c *Client) RPush(ctx context.Context, key string, values ...any) (int64, error) {
	return run(ctx, c, "RPush", "RPUSH "+key, func(ctx context.Context) (int64, error) {
		return c.cmdable.RPush(ctx, key, values...).Result()
	})
}

// LRange returns list elements between start and stop inclusive; 0 and -1
// return the whole list.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return run(ctx, c, "LRange", fmt.Sprintf("LRANGE %s %d %d", key, start, stop), func(ctx context.Context) ([]string, error) {
		return c.cmdable.LRange(ctx, key, start, stop).Result()
	})
}

// LRem removes up to count occurrences of value (all when count is 0).
func (c *Client) LRem(ctx context.Context, key string, count int64, value any) (int64, error) {
	return run(ctx, c, "LRem", fmt.Sprintf("LREM %s %d", key, count), func(ctx context.Context) (int64, error) {
		return c.cmdable.LRem(ctx, key, count, value).Result()
	})
}

// SAdd adds members to a set and returns how many were not already present.
// A single-member SAdd returning 1 is an atomic "first seen" test.
func (c *Client) SAdd(ctx context.Context, key string, members ...any) (int64, error) {
	return run(ctx, c, "SAdd", "SADD "+key, func(ctx context.Context) (int64, error) {
		return c.cmdable.SAdd(ctx, key, members...).Result()
	})
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...any) (int64, error) {
	return run(ctx, c, "SRem", "SREM "+key, func(ctx context.Context) (int64, error) {
		return c.cmdable.SRem(ctx, key, members...).Result()
	})
}

// SIsMember reports set membership.
func (c *Client) SIsMember(ctx context.Context, key string, member any) (bool, error) {
	return run(ctx, c, "SIsMember", "SISMEMBER "+key, func(ctx context.Context) (bool, error) {
		return c.cmdable.SIsMember(ctx, key, member).Result()
	})
}

// Health pings Redis, applying DefaultHealthTimeout when ctx has no
// deadline. Failure returns [sserr.CodeUnavailableDependency].
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	ctx, span := c.startSpan(ctx, "Health", "PING")
	err := c.cmdable.Ping(ctx).Err()
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: health check failed")
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.cmdable.Close()
}

// nilAsEmpty turns a redis.Nil miss into an empty value with no error.
func nilAsEmpty(val string, err error) (string, error) {
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *Client) startSpan(ctx context.Context, op, statement string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "redis."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.Int("db.redis.database_index", c.dbIndex),
			attribute.String("db.statement", truncateStatement(statement)),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError maps context.DeadlineExceeded to [sserr.CodeTimeoutDatabase]
// and everything else, including cancellation, to
// [sserr.CodeInternalDatabase].
func wrapError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
