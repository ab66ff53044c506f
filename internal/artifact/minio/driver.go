// Package minio provides a MinIO implementation of artifact.Store.
//
// Usage:
//
//	store, err := minio.New(ctx, cfg)
//	if err != nil { ... }
//	defer store.Close()
//
//	key, err := store.PutScript(ctx, jobID, "remediation.sql", sql)
package minio

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dbforge/pgbridge/internal/artifact"
	"github.com/dbforge/pgbridge/internal/errs"
)

// Driver is a MinIO implementation of artifact.Store.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	client *miniogo.Client
	bucket string
}

// New connects to MinIO using the provided Config, ensures the artifact
// bucket exists, and returns a Driver.
func New(ctx context.Context, cfg artifact.Config) (*Driver, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "creating object storage client", err)
	}

	d := &Driver{client: client, bucket: cfg.Bucket}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "checking artifact bucket", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, miniogo.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, errs.Wrap(errs.ErrKindConnection, "creating artifact bucket", err)
		}
	}
	return d, nil
}

// --- artifact.Store implementation ---

func (d *Driver) PutScript(ctx context.Context, jobID, name, sql string) (string, error) {
	key := objectKey(jobID, "scripts", name)
	if err := d.put(ctx, key, []byte(sql), "application/sql"); err != nil {
		return "", err
	}
	return key, nil
}

func (d *Driver) PutReport(ctx context.Context, jobID, name string, doc []byte) (string, error) {
	key := objectKey(jobID, "reports", name)
	if err := d.put(ctx, key, doc, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// PresignGet returns a time-limited public download URL for an object.
func (d *Driver) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := d.client.PresignedGetObject(ctx, d.bucket, key, ttl, nil)
	if err != nil {
		return "", errs.Wrap(errs.ErrKindConnection, "generating presigned URL", err)
	}
	return u.String(), nil
}

// Ping verifies the server is reachable by probing the artifact bucket.
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.client.BucketExists(ctx, d.bucket); err != nil {
		return errs.Wrap(errs.ErrKindConnection, "object storage unreachable", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no persistent connections.
func (d *Driver) Close() error {
	return nil
}

func (d *Driver) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := d.client.PutObject(ctx, d.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		miniogo.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return errs.Wrap(errs.ErrKindConnection, "storing artifact "+key, err)
	}
	return nil
}

func objectKey(jobID, kind, name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	return fmt.Sprintf("jobs/%s/%s/%s-%s", jobID, kind,
		time.Now().UTC().Format("20060102T150405"), name)
}
