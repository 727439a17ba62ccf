package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/repo"
)

type runKey struct {
	program domain.ProgramID
	runID   string
}

type RunStore struct {
	mu   sync.RWMutex
	runs map[runKey]domain.RunRecord
	now  func() time.Time
}

func NewRunStore() *RunStore {
	return &RunStore{runs: map[runKey]domain.RunRecord{}, now: time.Now}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.RunRecord) error {
	if err := run.Validate(); err != nil {
		return err
	}
	key := runKey{program: run.Program, runID: run.RunID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[key]; ok {
		return fmt.Errorf("run %s: %w", run.RunID, repo.ErrConflict)
	}
	run.UpdatedAt = s.now().UTC()
	s.runs[key] = run.Clone()
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runKey{program: program, runID: runID}]
	if !ok {
		return domain.RunRecord{}, repo.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.RunRecord, expected domain.RunStatus) error {
	if err := run.Validate(); err != nil {
		return err
	}
	key := runKey{program: run.Program, runID: run.RunID}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.runs[key]
	if !ok {
		return repo.ErrNotFound
	}
	if prev.Status != expected {
		return fmt.Errorf("run %s is %s, expected %s: %w", run.RunID, prev.Status, expected, repo.ErrConflict)
	}
	run.StartTime = prev.StartTime
	run.UpdatedAt = s.now().UTC()
	s.runs[key] = run.Clone()
	return nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	if filter.Program == nil && filter.Application == nil {
		return nil, fmt.Errorf("program or application is required")
	}
	statuses := map[domain.RunStatus]struct{}{}
	for _, status := range filter.Statuses {
		statuses[status] = struct{}{}
	}
	s.mu.RLock()
	out := make([]domain.RunRecord, 0)
	for key, run := range s.runs {
		if filter.Program != nil && key.program != *filter.Program {
			continue
		}
		if filter.Application != nil && key.program.Application != *filter.Application {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[run.Status]; !ok {
				continue
			}
		}
		out = append(out, run.Clone())
	}
	s.mu.RUnlock()
	sortRuns(out)
	return limit(out, filter.Limit), nil
}

func (s *RunStore) DeleteRuns(ctx context.Context, app domain.ApplicationID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key := range s.runs {
		if key.program.Application == app {
			delete(s.runs, key)
			deleted++
		}
	}
	return deleted, nil
}

// ListExpired returns non-terminal runs whose deadline is before now, across
// all namespaces. Used by the reconciler.
func (s *RunStore) ListExpired(ctx context.Context, now time.Time, max int) ([]domain.RunRecord, error) {
	s.mu.RLock()
	out := make([]domain.RunRecord, 0)
	for _, run := range s.runs {
		if run.Status.Active() && !run.Deadline.IsZero() && run.Deadline.Before(now) {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return limit(out, max), nil
}

// ListActive returns every non-terminal run, oldest first.
func (s *RunStore) ListActive(ctx context.Context, max int) ([]domain.RunRecord, error) {
	s.mu.RLock()
	out := make([]domain.RunRecord, 0)
	for _, run := range s.runs {
		if run.Status.Active() {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return limit(out, max), nil
}

func sortRuns(runs []domain.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.After(runs[j].StartTime)
		}
		return runs[i].RunID > runs[j].RunID
	})
}
