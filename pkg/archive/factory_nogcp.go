//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSArchive(ctx context.Context, cfg Config) (Archive, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
