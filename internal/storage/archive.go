// Package storage archives raw USAJobs result pages to a blob store so that a
// run can be replayed or audited without calling the API again.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const pageContentType = "application/json"

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// PageKey identifies one archived page.
type PageKey struct {
	RunID     string
	StartedAt time.Time
	Page      int
}

// PageArchive lays out raw pages as <prefix>/<yyyy>/<mm>/<dd>/<run>/page-NNNN.json.
type PageArchive struct {
	blobs  BlobStore
	prefix string
	logger *zap.Logger
}

// NewPageArchive wraps a BlobStore.
func NewPageArchive(blobs BlobStore, prefix string, logger *zap.Logger) *PageArchive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageArchive{
		blobs:  blobs,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("archive"),
	}
}

// ObjectPath returns the object path for key.
func (a *PageArchive) ObjectPath(key PageKey) string {
	day := key.StartedAt.UTC().Format("2006/01/02")
	name := fmt.Sprintf("page-%04d.json", key.Page)
	if a.prefix == "" {
		return path.Join(day, key.RunID, name)
	}
	return path.Join(a.prefix, day, key.RunID, name)
}

// ArchivePage stores body under the path derived from key.
func (a *PageArchive) ArchivePage(ctx context.Context, key PageKey, body []byte) (string, error) {
	if key.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}
	if key.Page <= 0 {
		return "", fmt.Errorf("page must be > 0")
	}
	uri, err := a.blobs.PutObject(ctx, a.ObjectPath(key), pageContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive page %d: %w", key.Page, err)
	}
	a.logger.Debug("archived page", zap.Int("page", key.Page), zap.String("uri", uri), zap.Int("bytes", len(body)))
	return uri, nil
}
