// Package archive provides content-addressed, append-only storage for
// issued certificates. Every certificate the issuer mints or re-mints is
// archived under the SHA-256 of its canonical bytes, so any certificate a
// customer presents can later be matched byte-for-byte against the copy
// recorded at issuance. Records are never deleted.
package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/wardenhq/warden/pkg/canonical"
)

// Archive is the contract for the certificate archive.
type Archive interface {
	// Put persists a certificate's canonical bytes and returns the
	// content key ("sha256:<hex>"). Storing the same bytes twice is a
	// no-op and returns the same key.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves archived bytes by content key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a record with the given key is archived.
	Exists(ctx context.Context, key string) (bool, error)
}

// Key computes the archive key for a blob without storing it.
func Key(data []byte) string {
	return "sha256:" + canonical.HashBytes(data)
}

// parseKey validates a "sha256:<hex>" key and returns the bare hex digest.
func parseKey(key string) (string, error) {
	if len(key) < 8 || key[:7] != "sha256:" {
		return "", fmt.Errorf("invalid archive key format: %s", key)
	}
	raw := key[7:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid archive key hex: %w", err)
	}
	return raw, nil
}

// FileArchive is a filesystem-backed implementation of Archive.
type FileArchive struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileArchive creates a certificate archive rooted at baseDir.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	//nolint:gosec // G301: 0755 is intentional for the shared archive directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) Put(ctx context.Context, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := Key(data)
	path := filepath.Join(a.baseDir, key[7:]+".json")

	// Idempotent: identical bytes hash to an existing record.
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	// Write to temp, then rename, so readers never observe a torn record.
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable archive records
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit archive record: %w", err)
	}

	return key, nil
}

func (a *FileArchive) Get(ctx context.Context, key string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	raw, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(a.baseDir, raw+".json")
	f, err := os.Open(path) //nolint:gosec // key validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("certificate record not found: %s", key)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	defer f.Close() //nolint:errcheck // best-effort close

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(f)
}

func (a *FileArchive) Exists(ctx context.Context, key string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	raw, err := parseKey(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(a.baseDir, raw+".json"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	//nolint:wrapcheck // caller provides context
	return false, err
}
