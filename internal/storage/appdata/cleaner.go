// Package appdata removes the object-store data an application leaves
// behind once it is deleted.
package appdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/storage/objectstore"
)

// Prefix is the key prefix under which an application's data lives. The
// trailing slash keeps "app" from matching "app2".
func Prefix(id domain.ApplicationID) string {
	return id.Namespace + "/apps/" + id.Name + "/"
}

type PrefixCleaner struct {
	store  objectstore.Store
	bucket string
	logger *slog.Logger
}

func NewPrefixCleaner(store objectstore.Store, bucket string, logger *slog.Logger) (*PrefixCleaner, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrefixCleaner{store: store, bucket: bucket, logger: logger}, nil
}

// CleanupApplication deletes every object under the application's prefix and
// returns how many were removed.
func (c *PrefixCleaner) CleanupApplication(ctx context.Context, id domain.ApplicationID) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	removed, err := c.store.DeletePrefix(ctx, c.bucket, Prefix(id))
	if err != nil {
		return removed, fmt.Errorf("remove application data %s: %w", id, err)
	}
	if removed > 0 {
		c.logger.Info("application data removed", "namespace", id.Namespace, "app", id.Name, "objects", removed)
	}
	return removed, nil
}
