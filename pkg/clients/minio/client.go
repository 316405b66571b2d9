// Package minio wraps minio-go with OpenTelemetry spans and coded errors.
// The governance alert manager uses it as an append-only object log for
// resolved alerts.
package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-governance/pkg/clients/minio"

// ObjectStore is the subset of *minio.Client used by Client. Tests pass a
// mock through NewFromStore.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

var _ ObjectStore = (*minio.Client)(nil)

// Client is a traced object store client bound to one bucket. It is safe
// for concurrent use.
type Client struct {
	store  ObjectStore
	config *Config
	tracer trace.Tracer
}

// NewClient validates cfg, builds a minio client, and probes the bucket to
// confirm the endpoint and credentials work.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "minio: invalid configuration")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "minio: failed to create client")
	}
	if _, err := mc.BucketExists(ctx, cfg.Bucket); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: failed to connect to server")
	}
	return &Client{store: mc, config: &cfg, tracer: otel.Tracer(tracerName)}, nil
}

// NewFromStore wraps an existing ObjectStore. cfg may be nil, in which case
// DefaultBucket is used.
func NewFromStore(store ObjectStore, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	return &Client{store: store, config: cfg, tracer: otel.Tracer(tracerName)}
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.config.Bucket
}

// EnsureBucket creates the configured bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	bucket := c.config.Bucket
	ctx, span := c.startSpan(ctx, "EnsureBucket", bucket, "BucketExists/MakeBucket "+bucket)
	exists, err := c.store.BucketExists(ctx, bucket)
	if err == nil && !exists {
		err = c.store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.config.Region})
	}
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "minio: ensure bucket failed")
	}
	return nil
}

// Put writes data to name as a JSON object.
func (c *Client) Put(ctx context.Context, name string, data []byte) error {
	bucket := c.config.Bucket
	ctx, span := c.startSpan(ctx, "Put", bucket, "PUT "+name)
	_, err := c.store.PutObject(ctx, bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "minio: put object failed")
	}
	return nil
}

// Get reads the whole object name.
func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	bucket := c.config.Bucket
	ctx, span := c.startSpan(ctx, "Get", bucket, "GET "+name)
	obj, err := c.store.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	var data []byte
	if err == nil {
		data, err = io.ReadAll(obj)
		_ = obj.Close()
	}
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "minio: get object failed")
	}
	return data, nil
}

// List returns the names of all objects under prefix in lexical order.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	bucket := c.config.Bucket
	ctx, span := c.startSpan(ctx, "List", bucket, "LIST "+prefix)
	var (
		names []string
		err   error
	)
	for info := range c.store.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			err = info.Err
			break
		}
		names = append(names, info.Key)
	}
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "minio: list objects failed")
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes the object name.
func (c *Client) Remove(ctx context.Context, name string) error {
	bucket := c.config.Bucket
	ctx, span := c.startSpan(ctx, "Remove", bucket, "DELETE "+name)
	err := c.store.RemoveObject(ctx, bucket, name, minio.RemoveObjectOptions{})
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "minio: remove object failed")
	}
	return nil
}

// Health probes the bucket, applying DefaultHealthTimeout when ctx has no
// deadline.
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	ctx, span := c.startSpan(ctx, "Health", c.config.Bucket, "BucketExists "+c.config.Bucket)
	_, err := c.store.BucketExists(ctx, c.config.Bucket)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: health check failed")
	}
	return nil
}

func (c *Client) startSpan(ctx context.Context, op, bucket, statement string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "minio."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "minio"),
			attribute.String("db.name", bucket),
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

func wrapError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
