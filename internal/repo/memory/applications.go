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

type ApplicationStore struct {
	mu   sync.RWMutex
	apps map[domain.ApplicationID]domain.Application
	now  func() time.Time
}

func NewApplicationStore() *ApplicationStore {
	return &ApplicationStore{apps: map[domain.ApplicationID]domain.Application{}, now: time.Now}
}

func (s *ApplicationStore) CreateApplication(ctx context.Context, app domain.Application) error {
	if err := app.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[app.ID]; ok {
		return fmt.Errorf("application %s: %w", app.ID, repo.ErrConflict)
	}
	now := s.now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = app.CreatedAt
	app.Revision = 1
	s.apps[app.ID] = cloneApplication(app)
	return nil
}

func (s *ApplicationStore) GetApplication(ctx context.Context, id domain.ApplicationID) (domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return domain.Application{}, repo.ErrNotFound
	}
	return cloneApplication(app), nil
}

func (s *ApplicationStore) UpdateApplication(ctx context.Context, app domain.Application, expectedRevision int64) error {
	if err := app.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.apps[app.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if prev.Revision != expectedRevision {
		return fmt.Errorf("application %s revision %d, expected %d: %w", app.ID, prev.Revision, expectedRevision, repo.ErrConflict)
	}
	app.CreatedAt = prev.CreatedAt
	app.UpdatedAt = s.now().UTC()
	app.Revision = prev.Revision + 1
	s.apps[app.ID] = cloneApplication(app)
	return nil
}

func (s *ApplicationStore) DeleteApplication(ctx context.Context, id domain.ApplicationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.apps, id)
	return nil
}

func (s *ApplicationStore) ListApplications(ctx context.Context, filter repo.ApplicationFilter) ([]domain.Application, error) {
	namespace := strings.TrimSpace(filter.Namespace)
	if namespace == "" && filter.Artifact == nil {
		return nil, fmt.Errorf("namespace or artifact is required")
	}
	s.mu.RLock()
	out := make([]domain.Application, 0)
	for id, app := range s.apps {
		if namespace != "" && id.Namespace != namespace {
			continue
		}
		if filter.Artifact != nil && app.Artifact != *filter.Artifact {
			continue
		}
		out = append(out, cloneApplication(app))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Namespace != out[j].ID.Namespace {
			return out[i].ID.Namespace < out[j].ID.Namespace
		}
		return out[i].ID.Name < out[j].ID.Name
	})
	return limit(out, filter.Limit), nil
}

func cloneApplication(app domain.Application) domain.Application {
	out := app
	out.Spec = append([]byte(nil), app.Spec...)
	out.Config = app.Config.Clone()
	return out
}
