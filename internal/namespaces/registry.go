// Package namespaces resolves and administers namespaces. Lookups go
// through a short-lived cache because every deploy, launch and deletion
// resolves its namespace first.
package namespaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/platform/metrics"
	"github.com/animus-labs/appfabric/internal/repo"
	gocache "github.com/patrickmn/go-cache"
)

const DefaultCacheTTL = 30 * time.Second

type Registry struct {
	namespaces repo.NamespaceRepository
	apps       repo.ApplicationRepository
	cache      *gocache.Cache
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewRegistry wires the registry. apps is consulted before deleting a
// namespace. A non-positive ttl disables caching.
func NewRegistry(namespaces repo.NamespaceRepository, apps repo.ApplicationRepository, ttl time.Duration) (*Registry, error) {
	if namespaces == nil {
		return nil, errors.New("namespace repository is required")
	}
	if apps == nil {
		return nil, errors.New("application repository is required")
	}
	r := &Registry{namespaces: namespaces, apps: apps, metrics: metrics.Default(), now: time.Now}
	if ttl > 0 {
		r.cache = gocache.New(ttl, 2*ttl)
	}
	return r, nil
}

// Get returns the namespace or domain.ErrNamespaceNotFound.
func (r *Registry) Get(ctx context.Context, id string) (domain.Namespace, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Namespace{}, fmt.Errorf("%w: empty id", domain.ErrNamespaceNotFound)
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(id); ok {
			if ns, ok := v.(domain.Namespace); ok {
				r.metrics.NamespaceCacheHits.Inc()
				return ns, nil
			}
		}
		r.metrics.NamespaceCacheMisses.Inc()
	}
	return r.Resolve(ctx, id)
}

// Resolve reads the namespace from the repository, skipping the cache, and
// refreshes the cached copy. Decisions that must see changes made by other
// replicas, such as the owner pinned on a first deploy, use it.
func (r *Registry) Resolve(ctx context.Context, id string) (domain.Namespace, error) {
	ns, err := r.load(ctx, id)
	if err != nil {
		return domain.Namespace{}, err
	}
	if r.cache != nil {
		r.cache.SetDefault(ns.ID, ns)
	}
	return ns, nil
}

func (r *Registry) Create(ctx context.Context, ns domain.Namespace) (domain.Namespace, error) {
	ns.ID = strings.TrimSpace(ns.ID)
	ns.Principal = strings.TrimSpace(ns.Principal)
	ns.CreatedAt = r.now().UTC()
	ns.UpdatedAt = ns.CreatedAt
	if err := ns.Validate(); err != nil {
		return domain.Namespace{}, err
	}
	if err := r.namespaces.CreateNamespace(ctx, ns); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Namespace{}, fmt.Errorf("%w: %s", domain.ErrNamespaceExists, ns.ID)
		}
		return domain.Namespace{}, fmt.Errorf("create namespace %s: %w", ns.ID, err)
	}
	return ns, nil
}

// Update replaces the mutable fields of a namespace. Existing applications
// keep the owner they were deployed with.
func (r *Registry) Update(ctx context.Context, ns domain.Namespace) (domain.Namespace, error) {
	current, err := r.load(ctx, ns.ID)
	if err != nil {
		return domain.Namespace{}, err
	}
	current.Principal = strings.TrimSpace(ns.Principal)
	current.CredentialRef = strings.TrimSpace(ns.CredentialRef)
	current.Description = ns.Description
	current.UpdatedAt = r.now().UTC()
	if err := r.namespaces.UpdateNamespace(ctx, current); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Namespace{}, fmt.Errorf("%w: %s", domain.ErrNamespaceNotFound, current.ID)
		}
		return domain.Namespace{}, fmt.Errorf("update namespace %s: %w", current.ID, err)
	}
	r.forget(current.ID)
	return current, nil
}

// Delete removes an empty namespace.
func (r *Registry) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	apps, err := r.apps.ListApplications(ctx, repo.ApplicationFilter{Namespace: id, Limit: 1})
	if err != nil {
		return fmt.Errorf("list applications of %s: %w", id, err)
	}
	if len(apps) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrNamespaceNotEmpty, id)
	}
	if err := r.namespaces.DeleteNamespace(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrNamespaceNotFound, id)
		}
		return fmt.Errorf("delete namespace %s: %w", id, err)
	}
	r.forget(id)
	return nil
}

func (r *Registry) List(ctx context.Context, limit int) ([]domain.Namespace, error) {
	out, err := r.namespaces.ListNamespaces(ctx, repo.NamespaceFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return out, nil
}

// load bypasses the cache.
func (r *Registry) load(ctx context.Context, id string) (domain.Namespace, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Namespace{}, fmt.Errorf("%w: empty id", domain.ErrNamespaceNotFound)
	}
	ns, err := r.namespaces.GetNamespace(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Namespace{}, fmt.Errorf("%w: %s", domain.ErrNamespaceNotFound, id)
		}
		return domain.Namespace{}, fmt.Errorf("get namespace %s: %w", id, err)
	}
	return ns, nil
}

func (r *Registry) forget(id string) {
	if r.cache != nil {
		r.cache.Delete(id)
	}
}
