package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/repo"
)

type NamespaceStore struct {
	mu         sync.RWMutex
	namespaces map[string]domain.Namespace
	now        func() time.Time
}

func NewNamespaceStore() *NamespaceStore {
	return &NamespaceStore{namespaces: map[string]domain.Namespace{}, now: time.Now}
}

func (s *NamespaceStore) CreateNamespace(ctx context.Context, ns domain.Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	id := strings.TrimSpace(ns.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[id]; ok {
		return fmt.Errorf("namespace %s: %w", id, repo.ErrConflict)
	}
	now := s.now().UTC()
	ns.ID = id
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = now
	}
	ns.UpdatedAt = ns.CreatedAt
	s.namespaces[id] = ns
	return nil
}

func (s *NamespaceStore) GetNamespace(ctx context.Context, id string) (domain.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[strings.TrimSpace(id)]
	if !ok {
		return domain.Namespace{}, repo.ErrNotFound
	}
	return ns, nil
}

func (s *NamespaceStore) UpdateNamespace(ctx context.Context, ns domain.Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	id := strings.TrimSpace(ns.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.namespaces[id]
	if !ok {
		return repo.ErrNotFound
	}
	ns.ID = id
	ns.CreatedAt = prev.CreatedAt
	ns.UpdatedAt = s.now().UTC()
	s.namespaces[id] = ns
	return nil
}

func (s *NamespaceStore) DeleteNamespace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := s.namespaces[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.namespaces, id)
	return nil
}

func (s *NamespaceStore) ListNamespaces(ctx context.Context, filter repo.NamespaceFilter) ([]domain.Namespace, error) {
	s.mu.RLock()
	out := make([]domain.Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, filter.Limit), nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
