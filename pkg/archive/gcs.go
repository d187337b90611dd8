//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSArchive implements Archive using Google Cloud Storage.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSArchive.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive creates a GCS-backed certificate archive. Credentials come
// from Application Default Credentials.
func NewGCSArchive(ctx context.Context, cfg GCSConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSArchive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (a *GCSArchive) Put(ctx context.Context, data []byte) (string, error) {
	key := Key(data)
	objectPath := a.prefix + key[7:] + ".json"

	obj := a.client.Bucket(a.bucket).Object(objectPath)
	if _, err := obj.Attrs(ctx); err == nil {
		return key, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}

	return key, nil
}

func (a *GCSArchive) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	obj := a.client.Bucket(a.bucket).Object(a.prefix + raw + ".json")
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(reader)
}

func (a *GCSArchive) Exists(ctx context.Context, key string) (bool, error) {
	raw, err := parseKey(key)
	if err != nil {
		return false, err
	}

	obj := a.client.Bucket(a.bucket).Object(a.prefix + raw + ".json")
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Close closes the GCS client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}
