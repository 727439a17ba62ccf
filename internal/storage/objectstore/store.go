// Package objectstore abstracts the S3-compatible blob storage holding
// artifact bundles and per-application data.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	// Put stores body under key. A negative size streams until EOF.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// Delete succeeds when the object is already gone.
	Delete(ctx context.Context, bucket, key string) error
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	// DeletePrefix removes every object under prefix and reports how many
	// went away. An empty prefix is refused.
	DeletePrefix(ctx context.Context, bucket, prefix string) (int, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

var errEmptyPrefix = errors.New("refusing to delete with an empty prefix")
