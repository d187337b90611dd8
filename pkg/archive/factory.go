package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend identifies the archive storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures an archive backend.
type Config struct {
	// Backend is "fs" (default), "s3", or "gcs".
	Backend Backend
	// Dir is the base directory for the filesystem backend.
	Dir string
	// Bucket, Region, Endpoint and Prefix configure the object-store backends.
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// New creates an Archive for the configured backend.
func New(ctx context.Context, cfg Config) (Archive, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "certificates")
		}
		return NewFileArchive(dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for the s3 backend")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Archive(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for the gcs backend")
		}
		return newGCSArchive(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", backend)
	}
}
