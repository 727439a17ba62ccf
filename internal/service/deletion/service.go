// Package deletion removes applications together with their runs and data.
//
// An application is deleted only once none of its runs is active: active
// runs are stopped in parallel and awaited. A run that neither stops nor can
// be resolved against the runtime aborts the deletion with a liveness error
// and nothing is removed.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/platform/keylock"
	"github.com/animus-labs/appfabric/internal/platform/metrics"
	"github.com/animus-labs/appfabric/internal/repo"
	"github.com/animus-labs/appfabric/internal/service"
)

const DefaultStopWaitTimeout = 2 * time.Minute

// RunController is the part of the run tracker deletion depends on.
type RunController interface {
	ActiveRuns(ctx context.Context, app domain.ApplicationID) ([]domain.RunRecord, error)
	Stop(ctx context.Context, program domain.ProgramID, runID string, info service.AuditInfo) (domain.RunRecord, error)
	WaitForTerminal(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error)
	ReconcileRun(ctx context.Context, program domain.ProgramID, runID string) (domain.RunRecord, error)
	PurgeApplication(ctx context.Context, app domain.ApplicationID) (int, error)
}

// DataCleaner removes data an application stored outside the registries.
type DataCleaner interface {
	CleanupApplication(ctx context.Context, id domain.ApplicationID) (int, error)
}

type Config struct {
	StopWaitTimeout time.Duration
}

type Service struct {
	apps    repo.ApplicationRepository
	runs    RunController
	cleaner DataCleaner
	locks   *keylock.Locker
	audit   *service.Recorder
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(apps repo.ApplicationRepository, runs RunController, cleaner DataCleaner, locks *keylock.Locker, audit *service.Recorder, cfg Config, logger *slog.Logger) (*Service, error) {
	switch {
	case apps == nil:
		return nil, errors.New("application repository is required")
	case runs == nil:
		return nil, errors.New("run controller is required")
	case cleaner == nil:
		return nil, errors.New("data cleaner is required")
	case locks == nil:
		return nil, errors.New("application locker is required")
	}
	if cfg.StopWaitTimeout <= 0 {
		cfg.StopWaitTimeout = DefaultStopWaitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		apps:    apps,
		runs:    runs,
		cleaner: cleaner,
		locks:   locks,
		audit:   audit,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Default(),
	}, nil
}

// DeleteApplication stops the application's runs, then removes its record,
// its run records and its data. Deleting a missing application succeeds.
func (s *Service) DeleteApplication(ctx context.Context, id domain.ApplicationID, info service.AuditInfo) (err error) {
	if err := id.Validate(); err != nil {
		return err
	}
	outcome := "deleted"
	defer func() {
		if err != nil {
			outcome = "failed"
		}
		s.metrics.DeletionsTotal.WithLabelValues(outcome).Inc()
	}()

	unlock, err := s.locks.Lock(ctx, id.String())
	if err != nil {
		return fmt.Errorf("lock application %s: %w", id, err)
	}
	defer unlock()

	app, err := s.apps.GetApplication(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			outcome = "absent"
			return nil
		}
		return fmt.Errorf("get application %s: %w", id, err)
	}
	if app.ID != id {
		return fmt.Errorf("%w: lookup of %s returned %s", domain.ErrNamespaceMismatch, id, app.ID)
	}

	if err := s.stopRuns(ctx, id, info); err != nil {
		return err
	}

	if err := s.apps.DeleteApplication(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete application %s: %w", id, err)
	}
	purged, err := s.runs.PurgeApplication(ctx, id)
	if err != nil {
		return err
	}
	removed, err := s.cleaner.CleanupApplication(ctx, id)
	if err != nil {
		return fmt.Errorf("clean up data of %s: %w", id, err)
	}

	s.logger.Info("application deleted",
		"namespace", id.Namespace,
		"app", id.Name,
		"runs_purged", purged,
		"objects_removed", removed,
	)
	s.audit.Record(ctx, info, "application.deleted", "application", id.String(), domain.Metadata{
		"artifact":        app.Artifact.String(),
		"runs_purged":     purged,
		"objects_removed": removed,
	})
	return nil
}

// stopRuns stops every active run of the application in parallel and waits
// for each to reach a terminal status.
func (s *Service) stopRuns(ctx context.Context, id domain.ApplicationID, info service.AuditInfo) error {
	active, err := s.runs.ActiveRuns(ctx, id)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, run := range active {
		if run.Program.Application != id {
			return fmt.Errorf("%w: run %s belongs to %s", domain.ErrNamespaceMismatch, run.RunID, run.Program.Application)
		}
		g.Go(func() error {
			return s.stopRun(ctx, run, info)
		})
	}
	return g.Wait()
}

func (s *Service) stopRun(ctx context.Context, run domain.RunRecord, info service.AuditInfo) error {
	if _, err := s.runs.Stop(ctx, run.Program, run.RunID, info); err != nil {
		// The wait below decides; a run the runtime lost is resolved by
		// reconciliation.
		s.logger.Warn("stop during deletion failed", "program", run.Program.String(), "run_id", run.RunID, "error", err)
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.StopWaitTimeout)
	final, err := s.runs.WaitForTerminal(wctx, run.Program, run.RunID)
	cancel()
	if err == nil && final.Status.Terminal() {
		return nil
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	final, err = s.runs.ReconcileRun(ctx, run.Program, run.RunID)
	if err == nil && final.Status.Terminal() {
		return nil
	}
	if err != nil {
		s.logger.Warn("reconcile during deletion failed", "program", run.Program.String(), "run_id", run.RunID, "error", err)
		if final.RunID == "" {
			final = run
		}
	}
	return &domain.LivenessTimeoutError{
		Program:  final.Program,
		RunID:    final.RunID,
		Status:   final.Status,
		Deadline: final.Deadline,
	}
}

// DeleteNamespaceApplications deletes every application of a namespace and
// returns how many were deleted. It stops at the first failure.
func (s *Service) DeleteNamespaceApplications(ctx context.Context, namespace string, info service.AuditInfo) (int, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return 0, errors.New("namespace is required")
	}
	deleted := 0
	for {
		apps, err := s.apps.ListApplications(ctx, repo.ApplicationFilter{Namespace: namespace, Limit: 100})
		if err != nil {
			return deleted, fmt.Errorf("list applications in %s: %w", namespace, err)
		}
		if len(apps) == 0 {
			return deleted, nil
		}
		for _, app := range apps {
			if app.ID.Namespace != namespace {
				return deleted, fmt.Errorf("%w: listing %s returned %s", domain.ErrNamespaceMismatch, namespace, app.ID)
			}
			if err := s.DeleteApplication(ctx, app.ID, info); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
}
