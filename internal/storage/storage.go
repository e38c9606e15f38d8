// Package storage keeps uploaded files (attachments, avatars) behind a
// small interface so the services never touch disks or buckets directly.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/issuehub/backend/internal/config"
)

var ErrNotFound = errors.New("blob not found")

// BlobStore saves and serves opaque file contents by key.
type BlobStore interface {
	// Save writes r under key and returns the URL clients should use.
	Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg *config.StorageConfig) (BlobStore, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocalStore(cfg.LocalDir, cfg.BaseURL)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewKey builds a collision-free key under prefix. The timestamp keeps keys
// roughly sortable by upload time; the original name stays readable.
func NewKey(prefix, fileName string) string {
	name := unsafeNameChars.ReplaceAllString(path.Base(fileName), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "file"
	}
	return fmt.Sprintf("%s/%d_%s_%s", strings.Trim(prefix, "/"), time.Now().UnixMilli(), uuid.NewString()[:8], name)
}
