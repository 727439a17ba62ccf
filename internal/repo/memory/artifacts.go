package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/repo"
)

type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[domain.ArtifactID]domain.ArtifactRecord
}

func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{artifacts: map[domain.ArtifactID]domain.ArtifactRecord{}}
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.ArtifactRecord) error {
	if err := artifact.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[artifact.ID]; ok {
		return fmt.Errorf("artifact %s: %w", artifact.ID, repo.ErrConflict)
	}
	s.artifacts[artifact.ID] = artifact
	return nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id domain.ArtifactID) (domain.ArtifactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return domain.ArtifactRecord{}, repo.ErrNotFound
	}
	return artifact, nil
}

func (s *ArtifactStore) DeleteArtifact(ctx context.Context, id domain.ArtifactID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.artifacts, id)
	return nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.ArtifactRecord, error) {
	namespace := strings.TrimSpace(filter.Namespace)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	name := strings.TrimSpace(filter.Name)
	s.mu.RLock()
	out := make([]domain.ArtifactRecord, 0)
	for id, artifact := range s.artifacts {
		if id.Namespace != namespace {
			continue
		}
		if name != "" && id.Name != name {
			continue
		}
		out = append(out, artifact)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Name != out[j].ID.Name {
			return out[i].ID.Name < out[j].ID.Name
		}
		return out[i].ID.Version < out[j].ID.Version
	})
	return limit(out, filter.Limit), nil
}
