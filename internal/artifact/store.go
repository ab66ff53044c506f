// Package artifact persists job by-products (generated migration scripts
// and execution reports) in object storage, so operators can download
// them after the job itself is gone from memory.
package artifact

import (
	"context"
	"time"
)

// Info describes one stored artifact.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	LastModified time.Time `json:"lastModified"`
}

// Store is the object-storage boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	// PutScript stores a generated migration script under the job's
	// prefix and returns its object key.
	PutScript(ctx context.Context, jobID, name, sql string) (string, error)

	// PutReport stores a JSON document (dry-run result, execution report)
	// under the job's prefix and returns its object key.
	PutReport(ctx context.Context, jobID, name string, doc []byte) (string, error)

	// PresignGet returns a time-limited download URL for an object key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Config holds the settings for the object-storage backend.
type Config struct {
	// Endpoint is the host:port of the storage server, e.g.
	// "localhost:9000" for local MinIO.
	Endpoint string `yaml:"endpoint" env:"ARTIFACT_ENDPOINT"`

	// AccessKey is the access key ID (MinIO / S3 style).
	AccessKey string `yaml:"accessKey" env:"ARTIFACT_ACCESS_KEY"`

	// SecretKey is the secret access key.
	SecretKey string `yaml:"secretKey" env:"ARTIFACT_SECRET_KEY"`

	// UseSSL controls whether TLS is used for the connection.
	UseSSL bool `yaml:"useSSL" env:"ARTIFACT_USE_SSL"`

	// Region is used by region-aware backends. Leave empty for MinIO.
	Region string `yaml:"region" env:"ARTIFACT_REGION"`

	// Bucket is the bucket all artifacts are written to.
	Bucket string `yaml:"bucket" env:"ARTIFACT_BUCKET"`
}

// Enabled reports whether artifact storage is configured at all; the
// service runs fine without it.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}
